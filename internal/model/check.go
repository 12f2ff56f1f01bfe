package model

import "time"

// CheckStatus is the lifecycle state of a check.
type CheckStatus string

const (
	CheckOpen   CheckStatus = "open"
	CheckClosed CheckStatus = "closed"
	CheckVoided CheckStatus = "voided"
)

// Check is a guest check: header plus ordered line items and payments.
//
// While open, a check is owned by the workstation holding its active lock.
// Once closed or voided it is read-only.
type Check struct {
	ID              string      `json:"id"`
	Number          int64       `json:"number"`
	WorkstationID   string      `json:"workstation_id"`
	EmployeeID      string      `json:"employee_id"`
	RevenueCenterID string      `json:"revenue_center_id"`
	Status          CheckStatus `json:"status"`
	Subtotal        Cents       `json:"subtotal"`
	Tax             Cents       `json:"tax"`
	Total           Cents       `json:"total"`
	Paid            Cents       `json:"paid"`
	Version         int64       `json:"version"`
	ConflictPending bool        `json:"conflict_pending"`
	OpenedAt        time.Time   `json:"opened_at"`
	ClosedAt        *time.Time  `json:"closed_at,omitempty"`
	Items           []LineItem  `json:"items"`
	Payments        []Payment   `json:"payments"`
}

// LineItem is one ordered entry on a check.
type LineItem struct {
	Ordinal    int      `json:"ordinal"`
	MenuItemID string   `json:"menu_item_id"`
	Name       string   `json:"name"`
	Quantity   int64    `json:"quantity"`
	UnitPrice  Cents    `json:"unit_price"`
	Modifiers  []string `json:"modifiers,omitempty"`
	Voided     bool     `json:"voided,omitempty"`
}

// Amount is the extended price of the line, zero when voided.
func (li LineItem) Amount() Cents {
	if li.Voided {
		return 0
	}
	return li.UnitPrice * Cents(li.Quantity)
}

// Payment is a tender applied to a check.
type Payment struct {
	ID         string    `json:"id"`
	Tender     string    `json:"tender"`
	Amount     Cents     `json:"amount"`
	Reference  string    `json:"reference,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Clone returns a deep copy of the check. Snapshots taken for conflict
// comparison must not alias the live check's slices.
func (c Check) Clone() Check {
	out := c
	if c.ClosedAt != nil {
		t := *c.ClosedAt
		out.ClosedAt = &t
	}
	out.Items = make([]LineItem, len(c.Items))
	for i, li := range c.Items {
		out.Items[i] = li
		if li.Modifiers != nil {
			out.Items[i].Modifiers = append([]string(nil), li.Modifiers...)
		}
	}
	out.Payments = append([]Payment{}, c.Payments...)
	return out
}

// Balance is the amount still owed.
func (c Check) Balance() Cents {
	return c.Total - c.Paid
}
