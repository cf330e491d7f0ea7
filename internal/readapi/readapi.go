// Package readapi serves the sanitized dashboard endpoints.
//
// CRITICAL: Nothing leaving this package may identify a person. Donors
// appear only as salted hashes, beneficiaries only through their
// sanitized projection (cmsId, school, pending amount). The handlers read
// the operational sheets directly and aggregate in memory; the ledger is
// small enough that a reporting projection would be premature.
package readapi

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"os"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"pledgeledger/internal/config"
	"pledgeledger/internal/sheetstore"
	"pledgeledger/pkg/domain/allocation"
	"pledgeledger/pkg/money"
)

// APIKeyHeader carries the caller's key.
const APIKeyHeader = "X-Api-Key"

// Server is the read API.
type Server struct {
	tables *sheetstore.Tables
	cfg    config.Config
	salt   string
	log    *zap.Logger
}

// New returns the server. salt is the reporting salt used for donor
// hashing; it never appears in responses.
func New(tables *sheetstore.Tables, cfg config.Config, salt string, log *zap.Logger) *Server {
	return &Server{tables: tables, cfg: cfg, salt: salt, log: log}
}

// Router builds the HTTP handler: api-key gate, recovery, access log.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/v1").Subrouter()
	api.Use(s.requireAPIKey)
	api.HandleFunc("/summary", s.handleSummary).Methods(http.MethodGet)
	api.HandleFunc("/flow", s.handleFlow).Methods(http.MethodGet)
	api.HandleFunc("/chapters", s.handleChapters).Methods(http.MethodGet)
	api.HandleFunc("/composition", s.handleComposition).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	api.HandleFunc("/track", s.handleTrack).Methods(http.MethodGet)

	return handlers.RecoveryHandler()(
		handlers.CombinedLoggingHandler(os.Stdout, r))
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(APIKeyHeader)
		for _, allowed := range s.cfg.APIKeys {
			if len(key) == len(allowed) &&
				subtle.ConstantTimeCompare([]byte(key), []byte(allowed)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("response encode failed", zap.Error(err))
	}
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error("read api query failed", zap.Error(err))
	http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
}

// donorHash is the only donor identifier the API emits.
func (s *Server) donorHash(email string) string {
	sum := sha256.Sum256([]byte(s.salt + email))
	return hex.EncodeToString(sum[:])[:12]
}

type summaryResponse struct {
	Pledges        int                     `json:"pledges"`
	CommittedTotal money.Amount            `json:"committedTotal"`
	VerifiedTotal  money.Amount            `json:"verifiedTotal"`
	AllocatedTotal money.Amount            `json:"allocatedTotal"`
	Outstanding    money.Amount            `json:"outstanding"`
	ByStatus       map[string]int          `json:"byStatus"`
	Allocations    map[string]money.Amount `json:"allocationsByStatus"`
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pledges, err := s.tables.ListPledges(ctx)
	if err != nil {
		s.internalError(w, err)
		return
	}
	allocs, err := s.tables.ListAllocations(ctx)
	if err != nil {
		s.internalError(w, err)
		return
	}
	resp := summaryResponse{
		ByStatus:    make(map[string]int),
		Allocations: make(map[string]money.Amount),
	}
	for _, p := range pledges {
		resp.Pledges++
		resp.CommittedTotal += p.CommittedAmount
		resp.VerifiedTotal += p.VerifiedTotal
		resp.Outstanding += p.Outstanding
		resp.ByStatus[string(p.Status)]++
	}
	for _, a := range allocs {
		if a.Status == allocation.StateCancelled {
			continue
		}
		resp.AllocatedTotal += a.Amount
		resp.Allocations[string(a.Status)] += a.Amount
	}
	s.writeJSON(w, resp)
}

type flowResponse struct {
	Committed      money.Amount `json:"committed"`
	Verified       money.Amount `json:"verified"`
	Allocated      money.Amount `json:"allocated"`
	HostelVerified money.Amount `json:"hostelVerified"`
	Unallocated    money.Amount `json:"unallocated"`
}

func (s *Server) handleFlow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pledges, err := s.tables.ListPledges(ctx)
	if err != nil {
		s.internalError(w, err)
		return
	}
	allocs, err := s.tables.ListAllocations(ctx)
	if err != nil {
		s.internalError(w, err)
		return
	}
	var resp flowResponse
	for _, p := range pledges {
		resp.Committed += p.CommittedAmount
		resp.Verified += p.VerifiedTotal
	}
	for _, a := range allocs {
		switch a.Status {
		case allocation.StateCancelled:
		case allocation.StateHostelVerified, allocation.StateStudentVerification,
			allocation.StateCompleted:
			resp.Allocated += a.Amount
			resp.HostelVerified += a.Amount
		default:
			resp.Allocated += a.Amount
		}
	}
	resp.Unallocated = resp.Verified - resp.Allocated
	s.writeJSON(w, resp)
}

type chapterEntry struct {
	Chapter   string       `json:"chapter"`
	Pledges   int          `json:"pledges"`
	Committed money.Amount `json:"committed"`
	Verified  money.Amount `json:"verified"`
}

func (s *Server) handleChapters(w http.ResponseWriter, r *http.Request) {
	pledges, err := s.tables.ListPledges(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	byChapter := make(map[string]*chapterEntry)
	var order []string
	for _, p := range pledges {
		chapter := p.Chapter
		if chapter == "" {
			chapter = config.ChapterOther
		}
		e, ok := byChapter[chapter]
		if !ok {
			e = &chapterEntry{Chapter: chapter}
			byChapter[chapter] = e
			order = append(order, chapter)
		}
		e.Pledges++
		e.Committed += p.CommittedAmount
		e.Verified += p.VerifiedTotal
	}
	out := make([]*chapterEntry, 0, len(order))
	for _, c := range order {
		out = append(out, byChapter[c])
	}
	s.writeJSON(w, out)
}

type compositionResponse struct {
	ByDuration map[string]int `json:"byDuration"`
	Zakat      int            `json:"zakat"`
	NonZakat   int            `json:"nonZakat"`
}

func (s *Server) handleComposition(w http.ResponseWriter, r *http.Request) {
	pledges, err := s.tables.ListPledges(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	resp := compositionResponse{ByDuration: make(map[string]int)}
	for _, p := range pledges {
		resp.ByDuration[p.DurationCode]++
		if p.Zakat {
			resp.Zakat++
		} else {
			resp.NonZakat++
		}
	}
	s.writeJSON(w, resp)
}

type eventEntry struct {
	Timestamp string `json:"timestamp"`
	Kind      string `json:"kind"`
	TargetID  string `json:"targetId"`
	Action    string `json:"action"`
}

const maxEvents = 100

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	rows, err := s.tables.ListAuditRows(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	start := 0
	if len(rows) > maxEvents {
		start = len(rows) - maxEvents
	}
	out := make([]eventEntry, 0, len(rows)-start)
	for _, row := range rows[start:] {
		out = append(out, eventEntry{
			Timestamp: row[sheetstore.AuditColTimestamp],
			Kind:      row[sheetstore.AuditColEventType],
			TargetID:  row[sheetstore.AuditColTargetID],
			Action:    row[sheetstore.AuditColAction],
		})
	}
	s.writeJSON(w, out)
}

type trackAllocation struct {
	AllocID   string       `json:"allocId"`
	CMSID     string       `json:"cmsId"`
	Amount    money.Amount `json:"amount"`
	Status    string       `json:"status"`
	CreatedAt string       `json:"createdAt"`
}

type trackResponse struct {
	PledgeID      string            `json:"pledgeId"`
	Donor         string            `json:"donor"` // salted hash
	Status        string            `json:"status"`
	StatusLabel   string            `json:"statusLabel"`
	Committed     money.Amount      `json:"committed"`
	VerifiedTotal money.Amount      `json:"verifiedTotal"`
	Outstanding   money.Amount      `json:"outstanding"`
	Receipts      int               `json:"receipts"`
	Allocations   []trackAllocation `json:"allocations"`
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pledgeID := r.URL.Query().Get("pledgeId")
	if pledgeID == "" {
		http.Error(w, `{"error":"pledgeId required"}`, http.StatusBadRequest)
		return
	}
	p, _, err := s.tables.FindPledge(ctx, pledgeID)
	if err != nil {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	receipts, err := s.tables.ListReceiptsByPledge(ctx, pledgeID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	allocs, err := s.tables.ListAllocationsByPledge(ctx, pledgeID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	resp := trackResponse{
		PledgeID:      p.ID,
		Donor:         s.donorHash(p.DonorEmail),
		Status:        string(p.Status),
		StatusLabel:   p.Status.Label(),
		Committed:     p.CommittedAmount,
		VerifiedTotal: p.VerifiedTotal,
		Outstanding:   p.Outstanding,
		Receipts:      len(receipts),
	}
	for _, a := range allocs {
		resp.Allocations = append(resp.Allocations, trackAllocation{
			AllocID:   a.ID,
			CMSID:     a.CMSID,
			Amount:    a.Amount,
			Status:    string(a.Status),
			CreatedAt: a.CreatedAt.UTC().Format("2006-01-02"),
		})
	}
	s.writeJSON(w, resp)
}
