// Attachment cap enforcement, shared by gateway implementations.

package mailgw

import (
	"fmt"

	"pledgeledger/pkg/domain/mailmsg"
)

// ApplyAttachmentCap drops attachments beyond MaxAttachmentBytes
// (aggregate, in order) and appends a body note linking the blob folder.
// Never fails: an oversized send degrades to a link.
func ApplyAttachmentCap(msg Outbound) Outbound {
	var total int
	var kept []mailmsg.Attachment
	dropped := 0
	for _, att := range msg.Attachments {
		if total+len(att.Data) > MaxAttachmentBytes {
			dropped++
			continue
		}
		total += len(att.Data)
		kept = append(kept, att)
	}
	if dropped == 0 {
		return msg
	}
	link := msg.OverflowLink
	if link == "" {
		link = "(receipts folder)"
	}
	msg.Attachments = kept
	msg.HTMLBody += fmt.Sprintf(
		`<p><i>%d attachment(s) exceeded the size limit and were omitted; all proofs are available at <a href="%s">%s</a>.</i></p>`,
		dropped, link, link)
	return msg
}
