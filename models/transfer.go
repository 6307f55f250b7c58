package models

// TransferStatus is the state of one file transfer.
type TransferStatus string

const (
	TransferPending      TransferStatus = "pending"
	TransferTransferring TransferStatus = "transferring"
	TransferCompleted    TransferStatus = "completed"
	TransferFailed       TransferStatus = "failed"
)

// TransferDirection tells whether a transfer is outbound or inbound.
type TransferDirection string

const (
	DirectionSend    TransferDirection = "send"
	DirectionReceive TransferDirection = "receive"
)

// TransferProgress captures derived transfer progress for one file.
type TransferProgress struct {
	FileID           string            `json:"fileId"`
	FileName         string            `json:"fileName"`
	FileType         string            `json:"fileType,omitempty"`
	Direction        TransferDirection `json:"direction"`
	Progress         float64           `json:"progress"`
	BytesTransferred int64             `json:"bytesTransferred"`
	TotalBytes       int64             `json:"totalBytes"`
	Status           TransferStatus    `json:"status"`
}
