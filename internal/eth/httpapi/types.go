package httpapi

// SubmitRequest is the request body for POST /v1/submit. Empty fee fields and a zero gas limit
// leave the choice to the signer.
type SubmitRequest struct {
	From                    string `json:"from,omitempty"`
	To                      string `json:"to"`
	Data                    string `json:"data,omitempty"`
	ValueWei                string `json:"value_wei,omitempty"`
	GasLimit                uint64 `json:"gas_limit,omitempty"`
	MaxFeePerGasWei         string `json:"max_fee_per_gas_wei,omitempty"`
	MaxPriorityFeePerGasWei string `json:"max_priority_fee_per_gas_wei,omitempty"`
}

// SubmitResponse is the response body for POST /v1/submit. The transaction is broadcast, not
// necessarily mined.
type SubmitResponse struct {
	TxHash string `json:"tx_hash"`
}

// AccountResponse is the response body for GET /v1/account.
type AccountResponse struct {
	Address string `json:"address"`
	ChainID uint64 `json:"chain_id"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Error codes.
const (
	CodeUnauthorized = "unauthorized"
	CodeInvalidJSON  = "invalid_json"
	CodeUserRejected = "user_rejected"
	CodeSubmitFailed = "submit_failed"
	CodeTimeout      = "timeout"
	CodeCanceled     = "canceled"
)
