package gateway

import (
	"time"

	stripe "github.com/stripe/stripe-go/v82"
)

func unixTime(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func customerFromStripe(c *stripe.Customer) *Customer {
	return &Customer{
		ID:            c.ID,
		Email:         c.Email,
		Name:          c.Name,
		Balance:       c.Balance,
		Delinquent:    c.Delinquent,
		InvoicePrefix: c.InvoicePrefix,
		Deleted:       c.Deleted,
		Metadata:      copyMetadata(c.Metadata),
	}
}

// subscriptionFromStripe sums the items for the amount and spans their
// billing periods, which live on the items since API version 2025-03-31.
func subscriptionFromStripe(s *stripe.Subscription) *Subscription {
	out := &Subscription{
		ID:                s.ID,
		Status:            string(s.Status),
		StartDate:         unixTime(s.StartDate),
		TrialEnd:          unixTime(s.TrialEnd),
		EndedAt:           unixTime(s.EndedAt),
		CancelAt:          unixTime(s.CancelAt),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		CanceledAt:        unixTime(s.CanceledAt),
		Metadata:          copyMetadata(s.Metadata),
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.CancellationDetails != nil {
		out.CancellationReason = string(s.CancellationDetails.Reason)
	}

	var periodStart, periodEnd int64
	if s.Items != nil {
		for _, item := range s.Items.Data {
			if item == nil {
				continue
			}
			if item.Price != nil {
				qty := item.Quantity
				if qty == 0 {
					qty = 1
				}
				out.AmountMinor += item.Price.UnitAmount * qty
			}
			if item.CurrentPeriodStart != 0 && (periodStart == 0 || item.CurrentPeriodStart < periodStart) {
				periodStart = item.CurrentPeriodStart
			}
			if item.CurrentPeriodEnd > periodEnd {
				periodEnd = item.CurrentPeriodEnd
			}
		}
	}
	out.CurrentPeriodStart = unixTime(periodStart)
	out.CurrentPeriodEnd = unixTime(periodEnd)
	return out
}

func invoiceFromStripe(inv *stripe.Invoice) *Invoice {
	out := &Invoice{
		ID:              inv.ID,
		Status:          string(inv.Status),
		TotalMinor:      inv.Total,
		AmountPaid:      inv.AmountPaid,
		AmountRemaining: inv.AmountRemaining,
		DueDate:         unixTime(inv.DueDate),
		PeriodStart:     unixTime(inv.PeriodStart),
		PeriodEnd:       unixTime(inv.PeriodEnd),
		HostedURL:       inv.HostedInvoiceURL,
		Metadata:        copyMetadata(inv.Metadata),
	}
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil && inv.Parent.SubscriptionDetails.Subscription != nil {
		out.SubscriptionID = inv.Parent.SubscriptionDetails.Subscription.ID
	}
	if inv.Deleted {
		out.Status = "deleted"
	}
	return out
}

func checkoutSessionFromStripe(cs *stripe.CheckoutSession) *CheckoutSession {
	out := &CheckoutSession{
		ID:       cs.ID,
		Status:   string(cs.Status),
		URL:      cs.URL,
		Metadata: copyMetadata(cs.Metadata),
	}
	if cs.Customer != nil {
		out.CustomerID = cs.Customer.ID
	}
	if cs.Subscription != nil {
		out.SubscriptionID = cs.Subscription.ID
	}
	return out
}
