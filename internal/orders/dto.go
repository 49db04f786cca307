package orders

// CreateRequest is the payload for creating an order.
type CreateRequest struct {
	SpaName        string  `json:"spa_name" validate:"required,max=200"`
	Address        string  `json:"address" validate:"required,max=500"`
	ProductName    string  `json:"product_name" validate:"required,max=200"`
	Quantity       int     `json:"quantity" validate:"gt=0"`
	SalespersonID  string  `json:"salesperson_id,omitempty" validate:"omitempty,max=64"`
	DistributorID  *string `json:"distributor_id,omitempty" validate:"omitempty,min=1,max=64"`
	IdempotencyKey string  `json:"idempotency_key,omitempty" validate:"omitempty,max=128"`
}

// UpdateStatusRequest advances an order's status. ExpectedStatus, when set,
// must equal the current status for the change to apply.
type UpdateStatusRequest struct {
	Status         string `json:"status" validate:"required"`
	ExpectedStatus string `json:"expected_status,omitempty"`
}

// UpdatePaymentRequest sets an order's payment status.
type UpdatePaymentRequest struct {
	PaymentStatus string `json:"payment_status" validate:"required"`
}

// AssignRequest assigns a distributor to an order.
type AssignRequest struct {
	DistributorID string `json:"distributor_id" validate:"required,max=64"`
}
