package domain

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Method identifies the payment rail a Payment runs on.
type Method string

const (
	MethodMTNMoMo     Method = "mtnmomo"
	MethodAirtelMoney Method = "airtelmoney"
	MethodCOD         Method = "cod"
)

func (m Method) Push() bool {
	return m == MethodMTNMoMo || m == MethodAirtelMoney
}

func (m Method) Valid() bool {
	switch m {
	case MethodMTNMoMo, MethodAirtelMoney, MethodCOD:
		return true
	}
	return false
}

// Payment is the unit of work tracked by the orchestration core.
// Amount and currency are immutable after creation; status changes only
// through the transition function in the payment service.
type Payment struct {
	ID                snowflake.ID   `json:"id" gorm:"primaryKey"`
	OrderID           snowflake.ID   `json:"order_id" gorm:"not null;index"`
	PayerID           snowflake.ID   `json:"payer_id" gorm:"not null"`
	Method            Method         `json:"method" gorm:"type:text;not null"`
	Amount            int64          `json:"amount" gorm:"not null"`
	Currency          string         `json:"currency" gorm:"type:text;not null"`
	Status            Status         `json:"status" gorm:"type:text;not null"`
	ReferenceNumber   string         `json:"reference_number" gorm:"type:text;not null;uniqueIndex"`
	ProviderRequestID string         `json:"provider_request_id" gorm:"type:text"`
	ProviderTxnID     string         `json:"provider_txn_id" gorm:"type:text"`
	Fee               int64          `json:"fee"`
	FailureReason     string         `json:"failure_reason,omitempty" gorm:"type:text"`
	Notes             string         `json:"notes,omitempty" gorm:"type:text"`
	Detail            datatypes.JSON `json:"detail" gorm:"type:jsonb"`
	CreatedAt         time.Time      `json:"created_at" gorm:"not null"`
	UpdatedAt         time.Time      `json:"updated_at" gorm:"not null"`
	ProcessedAt       *time.Time     `json:"processed_at"`
	ExpiresAt         *time.Time     `json:"expires_at"`
}

func (Payment) TableName() string { return "payments" }

// MobileMoneyDetail is the provider-specific record for push payments.
type MobileMoneyDetail struct {
	Phone          string `json:"phone"`
	RetryCount     int    `json:"retry_count"`
	MaxRetries     int    `json:"max_retries"`
	ProviderStatus string `json:"provider_status,omitempty"`
}

// CODDetail is the provider-specific record for cash-on-delivery payments.
type CODDetail struct {
	DeliveryAddress string     `json:"delivery_address"`
	DeliveryPhone   string     `json:"delivery_phone"`
	AssignedAgent   string     `json:"assigned_agent,omitempty"`
	Attempts        int        `json:"attempts"`
	LastAttemptAt   *time.Time `json:"last_attempt_at,omitempty"`
	CashReceived    int64      `json:"cash_received"`
	ChangeGiven     int64      `json:"change_given"`
	CollectedAt     *time.Time `json:"collected_at,omitempty"`
}

func (p *Payment) MobileMoney() (*MobileMoneyDetail, error) {
	if !p.Method.Push() {
		return nil, ErrInvalidDetail
	}
	var detail MobileMoneyDetail
	if err := json.Unmarshal(p.Detail, &detail); err != nil {
		return nil, ErrInvalidDetail
	}
	return &detail, nil
}

func (p *Payment) COD() (*CODDetail, error) {
	if p.Method != MethodCOD {
		return nil, ErrInvalidDetail
	}
	var detail CODDetail
	if err := json.Unmarshal(p.Detail, &detail); err != nil {
		return nil, ErrInvalidDetail
	}
	return &detail, nil
}

func (p *Payment) SetDetail(detail any) error {
	raw, err := json.Marshal(detail)
	if err != nil {
		return ErrInvalidDetail
	}
	p.Detail = datatypes.JSON(raw)
	return nil
}

// TransactionType classifies the audit entries appended to a Payment.
type TransactionType string

const (
	TransactionTypePayment       TransactionType = "payment"
	TransactionTypeRefund        TransactionType = "refund"
	TransactionTypePartialRefund TransactionType = "partial_refund"
)

// Transaction is an append-only audit entry. Rows are never updated or deleted.
type Transaction struct {
	ID          snowflake.ID    `json:"id" gorm:"primaryKey"`
	PaymentID   snowflake.ID    `json:"payment_id" gorm:"not null;index"`
	Type        TransactionType `json:"type" gorm:"type:text;not null"`
	Amount      int64           `json:"amount" gorm:"not null"`
	Status      Status          `json:"status" gorm:"type:text;not null"`
	ExternalRef string          `json:"external_ref,omitempty" gorm:"type:text"`
	Description string          `json:"description,omitempty" gorm:"type:text"`
	CreatedAt   time.Time       `json:"created_at" gorm:"not null"`
}

func (Transaction) TableName() string { return "payment_transactions" }

// CallbackRecord is one inbound webhook delivery, persisted before any
// processing. Rows whose transition was applied double as the
// deduplication anchor on (provider, provider_txn_id); a pending-status
// delivery never blocks the later terminal one.
type CallbackRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null"`
	EventType       string         `json:"event_type" gorm:"type:text"`
	ProviderTxnID   string         `json:"provider_txn_id" gorm:"type:text"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	SignatureValid  bool           `json:"signature_valid"`
	PaymentID       *snowflake.ID  `json:"payment_id"`
	Processed       bool           `json:"processed"`
	Applied         bool           `json:"applied"`
	ProcessingError string         `json:"processing_error,omitempty" gorm:"type:text"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
}

func (CallbackRecord) TableName() string { return "provider_callbacks" }
