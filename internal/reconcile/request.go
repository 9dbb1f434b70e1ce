package reconcile

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"payrecon/internal/common/money"
	"payrecon/internal/gateway"
	"payrecon/internal/orders"
)

// orderItem is the provider's wire shape for one settled line. All
// monetary fields are minor units; vatPercent is in hundredths of a
// percent.
type orderItem struct {
	Reference    string `json:"reference"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	Class        string `json:"class"`
	Quantity     int    `json:"quantity"`
	QuantityUnit string `json:"quantityUnit"`
	UnitPrice    int64  `json:"unitPrice"`
	VATPercent   int64  `json:"vatPercent"`
	Amount       int64  `json:"amount"`
	VATAmount    int64  `json:"vatAmount"`
}

type transactionRequest struct {
	Amount         int64       `json:"amount"`
	VATAmount      int64       `json:"vatAmount"`
	Description    string      `json:"description"`
	PayeeReference string      `json:"payeeReference"`
	OrderItems     []orderItem `json:"orderItems,omitempty"`
}

func wrapTransaction(req transactionRequest) map[string]transactionRequest {
	return map[string]transactionRequest{"transaction": req}
}

// transactionResult is the transaction envelope returned by capture,
// cancellation and reversal endpoints.
type transactionResult struct {
	Transaction gateway.Transaction `json:"transaction"`
}

// decodeTransaction unwraps {"<envelope>":{"transaction":{...}}} responses.
func decodeTransaction(raw json.RawMessage, envelope string) (*transactionResult, error) {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(raw, &outer); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", envelope, err)
	}
	inner, ok := outer[envelope]
	if !ok {
		return nil, fmt.Errorf("%s missing from response", envelope)
	}
	var result transactionResult
	if err := json.Unmarshal(inner, &result); err != nil {
		return nil, fmt.Errorf("decode %s transaction: %w", envelope, err)
	}
	if result.Transaction.Number == 0 {
		return nil, fmt.Errorf("%s response carries no transaction", envelope)
	}
	return &result, nil
}

func lineTypeAndClass(kind orders.LineKind) (string, string) {
	switch kind {
	case orders.KindShipping:
		return "SHIPPING_FEE", "Shipping"
	case orders.KindFee:
		return "PAYMENT_FEE", "Fees"
	case orders.KindCoupon:
		return "DISCOUNT", "Discounts"
	case orders.KindProduct:
		return "PRODUCT", "ProductGroup1"
	default:
		return "OTHER", "Other"
	}
}

var referencePattern = regexp.MustCompile(`[^\w-]`)

// sanitizeReference coerces a reference into the provider's accepted
// alphabet, generating a random one when nothing usable remains.
func sanitizeReference(ref string) string {
	ref = referencePattern.ReplaceAllString(ref, "-")
	if ref == "" {
		return randomReference()
	}
	return ref
}

func randomReference() string {
	return "item-" + uuid.NewString()
}

// newPayeeReference mints the provider-side idempotency reference for one
// settlement request. Each attempt gets a fresh one.
func newPayeeReference() string {
	return ulid.Make().String()
}

// scaleAmount returns amount*num/den rounded half up, for deriving a
// proportional share of a line total.
func scaleAmount(amount money.Amount, num, den int) money.Amount {
	if den == 0 || num == den {
		return amount
	}
	scaled := decimal.NewFromInt(amount.Minor).
		Mul(decimal.NewFromInt(int64(num))).
		Div(decimal.NewFromInt(int64(den))).
		Round(0)
	return money.New(scaled.IntPart(), amount.Currency)
}
