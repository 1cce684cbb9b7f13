package model

import "fmt"

// ResultCode is a per-record or per-command outcome. Non-negative values are
// sent by the server; negative values are produced by the client.
type ResultCode int

const (
	// ResultPending marks a record that has not been answered yet.
	ResultPending ResultCode = -100

	ResultOK                   ResultCode = 0
	ResultServerError          ResultCode = 1
	ResultKeyNotFound          ResultCode = 2
	ResultParameterError       ResultCode = 4
	ResultTimeout              ResultCode = 9
	ResultPartitionUnavailable ResultCode = 11
	ResultScanAborted          ResultCode = 15
	ResultFilteredOut          ResultCode = 27
	ResultNotAuthenticated     ResultCode = 80
	ResultBatchDisabled        ResultCode = 150
	ResultBatchMaxRequests     ResultCode = 151
	ResultBatchQueuesFull      ResultCode = 152
	ResultQueryAborted         ResultCode = 210

	ResultClientError       ResultCode = -1
	ResultParamError        ResultCode = -2
	ResultClientAbort       ResultCode = -5
	ResultAsyncConnection   ResultCode = -6
	ResultNoMoreConnections ResultCode = -7
	ResultInvalidNode       ResultCode = -8
	ResultTLSError          ResultCode = -9
)

var resultNames = map[ResultCode]string{
	ResultPending:              "pending",
	ResultOK:                   "ok",
	ResultServerError:          "server error",
	ResultKeyNotFound:          "key not found",
	ResultParameterError:       "parameter error",
	ResultTimeout:              "timeout",
	ResultPartitionUnavailable: "partition unavailable",
	ResultScanAborted:          "scan aborted",
	ResultFilteredOut:          "filtered out",
	ResultNotAuthenticated:     "not authenticated",
	ResultBatchDisabled:        "batch disabled",
	ResultBatchMaxRequests:     "batch max requests exceeded",
	ResultBatchQueuesFull:      "batch queues full",
	ResultQueryAborted:         "query aborted",
	ResultClientError:          "client error",
	ResultParamError:           "invalid parameter",
	ResultClientAbort:          "client abort",
	ResultAsyncConnection:      "async connection error",
	ResultNoMoreConnections:    "no more connections",
	ResultInvalidNode:          "invalid node",
	ResultTLSError:             "tls error",
}

// String returns a human readable name for the code.
func (c ResultCode) String() string {
	if name, ok := resultNames[c]; ok {
		return name
	}
	return fmt.Sprintf("result code %d", int(c))
}

// IsRecordLevel reports whether the code describes a single record and does
// not abort the rest of a batch response.
func (c ResultCode) IsRecordLevel() bool {
	return c == ResultKeyNotFound || c == ResultFilteredOut
}
