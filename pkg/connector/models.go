package connector

import (
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// OrderLine is one line of a sales order.
type OrderLine struct {
	SKU             string  `json:"sku" validate:"required"`
	Description     string  `json:"description"`
	Quantity        int     `json:"quantity" validate:"gt=0"`
	UnitPrice       float64 `json:"unit_price" validate:"gte=0"`
	UnitOfMeasure   string  `json:"unit_of_measure,omitempty"`
	DiscountPercent float64 `json:"discount_percent,omitempty" validate:"gte=0,lte=100"`
	TaxAmount       float64 `json:"tax_amount,omitempty" validate:"gte=0"`
}

// Total is the line value after discount, before tax.
func (l OrderLine) Total() float64 {
	return float64(l.Quantity) * l.UnitPrice * (1 - l.DiscountPercent/100)
}

// SalesOrder is an order to be created in Sage 50.
type SalesOrder struct {
	PlatformOrderID string    `json:"platform_order_id" validate:"required"`
	Platform        string    `json:"platform,omitempty"`
	CustomerRef     string    `json:"customer_ref,omitempty"`
	CustomerName    string    `json:"customer_name" validate:"required"`
	CustomerEmail   string    `json:"customer_email,omitempty" validate:"omitempty,email"`
	OrderDate       time.Time `json:"order_date"`

	ShipName     string `json:"ship_name,omitempty"`
	ShipAddress1 string `json:"ship_address_1,omitempty"`
	ShipAddress2 string `json:"ship_address_2,omitempty"`
	ShipCity     string `json:"ship_city,omitempty"`
	ShipState    string `json:"ship_state,omitempty"`
	ShipPostcode string `json:"ship_postcode,omitempty"`
	ShipCountry  string `json:"ship_country,omitempty"`
	ShipMethod   string `json:"ship_method,omitempty"`

	Lines        []OrderLine `json:"lines" validate:"required,min=1,dive"`
	ShippingCost float64     `json:"shipping_cost,omitempty" validate:"gte=0"`
	Notes        string      `json:"notes,omitempty"`
}

// Validate checks the order before it is sent to Sage.
func (o *SalesOrder) Validate() error {
	return validate.Struct(o)
}

// Total is the order value including shipping and line tax.
func (o *SalesOrder) Total() float64 {
	total := o.ShippingCost
	for _, l := range o.Lines {
		total += l.Total() + l.TaxAmount
	}
	return total
}

// Customer is a Sage 50 customer account.
type Customer struct {
	AccountRef string `json:"account_ref,omitempty" validate:"omitempty,max=8"`
	Name       string `json:"name" validate:"required"`
	Company    string `json:"company,omitempty"`
	Email      string `json:"email,omitempty" validate:"omitempty,email"`
	Phone      string `json:"phone,omitempty"`

	BillingAddress1 string `json:"billing_address_1,omitempty"`
	BillingAddress2 string `json:"billing_address_2,omitempty"`
	BillingCity     string `json:"billing_city,omitempty"`
	BillingState    string `json:"billing_state,omitempty"`
	BillingPostcode string `json:"billing_postcode,omitempty"`
	BillingCountry  string `json:"billing_country,omitempty"`
}

// Validate checks the customer before it is sent to Sage.
func (c *Customer) Validate() error {
	return validate.Struct(c)
}

// Product is a stock item.
type Product struct {
	SKU               string  `json:"sku" validate:"required"`
	Description       string  `json:"description"`
	Price             float64 `json:"price"`
	QuantityAvailable int     `json:"quantity_available"`
}

// FailedOrder records why one order of a batch was not created.
type FailedOrder struct {
	PlatformOrderID string `json:"platform_order_id"`
	Error           string `json:"error"`
}

// BatchResult summarises a BatchCreateOrders call.
type BatchResult struct {
	Successful       int           `json:"successful"`
	Failed           int           `json:"failed"`
	Skipped          int           `json:"skipped"`
	CreatedOrderRefs []string      `json:"created_order_refs"`
	FailedOrders     []FailedOrder `json:"failed_orders"`
}

// Map renders the result for a task result payload.
func (b BatchResult) Map() map[string]any {
	refs := b.CreatedOrderRefs
	if refs == nil {
		refs = []string{}
	}
	failed := b.FailedOrders
	if failed == nil {
		failed = []FailedOrder{}
	}
	return map[string]any{
		"successful":         b.Successful,
		"failed":             b.Failed,
		"skipped":            b.Skipped,
		"created_order_refs": refs,
		"failed_orders":      failed,
		"records_processed":  b.Successful + b.Failed + b.Skipped,
		"records_successful": b.Successful,
		"records_failed":     b.Failed,
		"records_skipped":    b.Skipped,
	}
}
