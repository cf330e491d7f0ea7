// Built-in templates. Deployments override these by name; the engine only
// ever asks the registry for these handles.

package template

// Template handles used by the engine.
const (
	NamePledgeConfirmation = "pledge-confirmation"
	NameHostelIntimation   = "hostel-intimation"
	NameHostelBatch        = "hostel-batch-intimation"
	NameDonorIntermediate  = "donor-intermediate"
	NameDonorNotify        = "donor-notify"
	NameSubWelcome         = "subscription-welcome"
	NameSubReminder        = "subscription-reminder"
	NameSubOverdue         = "subscription-overdue"
	NameSubReceiptConfirm  = "subscription-receipt-confirm"
	NameSubCompletion      = "subscription-completion"
	NameAdminAlert         = "admin-alert"
)

// Defaults returns a registry seeded with every built-in template.
func Defaults() *MemRegistry {
	return NewMemRegistry(
		Template{
			Name:    NamePledgeConfirmation,
			Subject: "Thank you for your pledge | Ref: {{pledgeId}}",
			Body: `<p>Dear {{donorName}},</p>
<p>Thank you for pledging {{committedAmount}} ({{duration}}).</p>
<p>Please transfer the funds and reply to this email with your bank
receipt attached. Your reference is <b>{{pledgeId}}</b>.</p>
<p><a href="http://SEND_CONFIRMATION_EMAIL">Send my receipt</a></p>`,
		},
		Template{
			Name:    NameHostelIntimation,
			Subject: "Funds allocation for {{studentId}} | Ref: {{refId}}",
			Body: `<p>Dear Administrator,</p>
<p>We have allocated <b>{{amount}}</b> to student <b>{{studentId}}</b>
against verified transfers dated {{transferDates}} (total verified
{{verifiedTotal}}).</p>
<p>Please confirm application of funds by replying to this email quoting
allocation <b>{{allocId}}</b>.</p>`,
		},
		Template{
			Name:    NameHostelBatch,
			Subject: "Consolidated funds allocation | Ref: {{refId}}",
			Body: `<p>Dear Administrator,</p>
<p>Please find below this cycle's consolidated allocation.</p>
<h4>By donor</h4>
{{donorTable}}
<h4>By student</h4>
{{studentTable}}
<p>Please confirm application of funds by replying to this email quoting
reference <b>{{refId}}</b>.</p>`,
		},
		Template{
			Name:    NameDonorIntermediate,
			Subject: "Your donation is on its way | Ref: {{pledgeId}}",
			Body: `<p>Dear {{donorName}},</p>
<p>We have allocated {{amount}} from your pledge to a student and asked
the institution to confirm receipt. We will write again once the
institution confirms.</p>`,
		},
		Template{
			Name:    NameDonorNotify,
			Subject: "Your donation has reached its student | Ref: {{pledgeId}}",
			Body: `<p>Dear {{donorName}},</p>
<p>The institution has confirmed that {{amount}} from your pledge has
been applied to a student's account. Thank you for your support.</p>`,
		},
		Template{
			Name:    NameSubWelcome,
			Subject: "Welcome to monthly giving | Ref: {{pledgeId}}",
			Body: `<p>Dear {{donorName}},</p>
<p>Your monthly subscription of {{monthlyAmount}} for {{durationMonths}}
months is set up. The first installment is due on {{firstDueDate}}.</p>
<p>Reply to this email each month with your transfer receipt attached.</p>`,
		},
		Template{
			Name:    NameSubReminder,
			Subject: "Monthly installment due | Ref: {{pledgeId}}",
			Body: `<p>Dear {{donorName}},</p>
<p>A friendly reminder that installment {{monthNumber}} of
{{durationMonths}} ({{monthlyAmount}}) is due on {{dueDate}}.</p>`,
		},
		Template{
			Name:    NameSubOverdue,
			Subject: "Monthly installment overdue | Ref: {{pledgeId}}",
			Body: `<p>Dear {{donorName}},</p>
<p>Installment {{monthNumber}} of {{durationMonths}} ({{monthlyAmount}})
was due on {{dueDate}} and has not yet been received. If you have already
transferred, please reply with the receipt attached.</p>`,
		},
		Template{
			Name:    NameSubReceiptConfirm,
			Subject: "Installment received | Ref: {{pledgeId}}",
			Body: `<p>Dear {{donorName}},</p>
<p>We received your installment {{monthNumber}} of {{durationMonths}}
({{amount}}). Thank you.</p>`,
		},
		Template{
			Name:    NameSubCompletion,
			Subject: "Subscription complete, thank you | Ref: {{pledgeId}}",
			Body: `<p>Dear {{donorName}},</p>
<p>All {{durationMonths}} installments of your subscription have been
received. Thank you for seeing it through.</p>`,
		},
		Template{
			Name:    NameAdminAlert,
			Subject: "[ALERT] {{alertKind}} | Ref: {{refId}}",
			Body: `<p>{{message}}</p>
<p>Target: {{refId}}</p>`,
		},
	)
}
