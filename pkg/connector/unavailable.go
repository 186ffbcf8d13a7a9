package connector

import "errors"

// Compile-time interface verification
var _ Connector = Unavailable{}

// Unavailable is the connector used when no Sage integration is configured.
// Every operation fails with an *Error so tasks report SAGE50_ERROR.
type Unavailable struct{}

func (Unavailable) fail(op string) error {
	return &Error{Op: op, Err: ErrNotConfigured}
}

func (u Unavailable) Connect() (bool, error) { return false, u.fail("connect") }

func (Unavailable) Release() error { return nil }

func (Unavailable) Status() Status { return Status{} }

func (u Unavailable) CreateSalesOrder(SalesOrder) (map[string]any, error) {
	return nil, u.fail("create_sales_order")
}

func (u Unavailable) FindSalesOrder(string) (map[string]any, error) {
	return nil, u.fail("find_sales_order")
}

func (u Unavailable) CreateCustomer(Customer) (map[string]any, error) {
	return nil, u.fail("create_customer")
}

func (u Unavailable) FindCustomer(string) (map[string]any, error) {
	return nil, u.fail("find_customer")
}

func (u Unavailable) SearchCustomers(string, int) ([]map[string]any, error) {
	return nil, u.fail("search_customers")
}

func (u Unavailable) FindProduct(string) (map[string]any, error) {
	return nil, u.fail("find_product")
}

func (u Unavailable) SearchProducts(string, int) ([]map[string]any, error) {
	return nil, u.fail("search_products")
}

func (u Unavailable) BatchCreateOrders([]SalesOrder, bool) (BatchResult, error) {
	return BatchResult{}, u.fail("batch_create_orders")
}

func (u Unavailable) HealthCheck() (map[string]any, error) {
	return nil, u.fail("health_check")
}

// IsNotConfigured reports whether err comes from the Unavailable connector.
func IsNotConfigured(err error) bool {
	return errors.Is(err, ErrNotConfigured)
}
