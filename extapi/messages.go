package extapi

import (
	"fmt"

	"github.com/glimte/xbus/contracts"
	"github.com/glimte/xbus/serialization"
	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
)

// RpcGetData is the RPC request name served by the module
const RpcGetData = "extapi.rpc.getdata"

// Wire type names of the ExtApi messages
const (
	TypeDataRequest    = "extapi.data_request"
	TypeDataResponse   = "extapi.data_response"
	TypeStatusResponse = "extapi.status_response"
)

var validate = validator.New()

// Status is the state of a data request as reported to the caller
type Status int

const (
	StatusNotFound Status = -2
	StatusError    Status = -1
	StatusUnknown  Status = 0
	StatusPending  Status = 1
	StatusCreated  Status = 2
	StatusReady    Status = 3
)

// String returns the status name
func (s Status) String() string {
	switch s {
	case StatusNotFound:
		return "not_found"
	case StatusError:
		return "error"
	case StatusPending:
		return "pending"
	case StatusCreated:
		return "created"
	case StatusReady:
		return "ready"
	default:
		return "unknown"
	}
}

// DataRequest asks a provider for a paginated data set
type DataRequest struct {
	RequestID     string `json:"requestId" validate:"required"`
	ProviderName  string `json:"providerName" validate:"required"`
	ObjectName    string `json:"objectName" validate:"required"`
	Action        string `json:"action" validate:"required"`
	ID            string `json:"id,omitempty"`
	Params        string `json:"params,omitempty"`
	RequestOrigin string `json:"requestOrigin,omitempty"`
	AuthToken     string `json:"authToken,omitempty"`
}

// MessageName implements contracts.Named
func (DataRequest) MessageName() string { return RpcGetData }

// Validate implements contracts.Validatable
func (r DataRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", contracts.ErrInvalidMessage, err)
	}
	return nil
}

// DataResponse carries one part of the result
type DataResponse struct {
	RequestID    string `json:"requestId" validate:"required"`
	Part         int    `json:"part" validate:"gte=0"`
	TotalParts   int    `json:"totalParts" validate:"gte=0"`
	Data         string `json:"data,omitempty"`
	ErrorFlag    bool   `json:"errorFlag,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Validate implements contracts.Validatable
func (r DataResponse) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", contracts.ErrInvalidMessage, err)
	}
	return nil
}

// StatusResponse reports progress of a request. Created announces
// TotalParts; Ready, Error and NotFound end the exchange.
type StatusResponse struct {
	RequestID     string `json:"requestId"`
	Status        Status `json:"status"`
	StatusMessage string `json:"statusMessage,omitempty"`
	TotalParts    int    `json:"totalParts"`
}

// IsCompleted reports whether no further responses follow
func (r StatusResponse) IsCompleted() bool {
	return r.Status == StatusReady || r.Status == StatusError || r.Status == StatusNotFound
}

// IsFaulted reports whether the request failed
func (r StatusResponse) IsFaulted() bool {
	return r.Status == StatusError || r.Status == StatusNotFound
}

// MessageTypes returns the type entries the ExtApi messages travel under
func MessageTypes() []serialization.TypeEntry {
	return []serialization.TypeEntry{
		serialization.NamedType[DataRequest](TypeDataRequest),
		serialization.NamedType[DataResponse](TypeDataResponse),
		serialization.NamedType[StatusResponse](TypeStatusResponse),
	}
}

// NewRequestID returns a lexically sortable request id
func NewRequestID() string {
	return ulid.Make().String()
}
