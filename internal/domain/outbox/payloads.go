package outbox

// RawEmail is a fully composed email.
type RawEmail struct {
	To           string `json:"to"`
	Subject      string `json:"subject"`
	Body         string `json:"body"`
	TemplateType string `json:"templateType,omitempty"`
}

type OrderPaymentSuccess struct {
	OrderID       int64 `json:"orderId"`
	TransactionID int64 `json:"transactionId,omitempty"`
}

// OrderConfirmationRequested carries a pre-rendered confirmation snapshot.
type OrderConfirmationRequested struct {
	OrderID            int64  `json:"orderId"`
	TransactionID      int64  `json:"transactionId,omitempty"`
	CustomerName       string `json:"customerName"`
	CustomerPhone      string `json:"customerPhone"`
	ShippingAddress    string `json:"shippingAddress"`
	ProvinceCity       string `json:"provinceCity"`
	TotalAmount        string `json:"totalAmount"`
	TransactionContent string `json:"transactionContent"`
	TransactionTime    string `json:"transactionTime"`
	RecipientEmail     string `json:"recipientEmail"`
}

type PasswordReset struct {
	Email string `json:"email"`
	Token string `json:"token"`
}

type UserCreated struct {
	Email             string `json:"email"`
	TemporaryPassword string `json:"temporaryPassword"`
}

// UserNotice is the payload of the account update, deletion, lock and unlock notices.
type UserNotice struct {
	Email string `json:"email"`
}

type SubscriptionThankYou struct {
	Email string `json:"email"`
}
