package models

import "time"

// Status is the operational status of a transfer, independent of its step.
type Status string

const (
	StatusToSubmit    Status = "TO_SUBMIT"
	StatusRunning     Status = "RUNNING"
	StatusInterrupted Status = "INTERRUPTED"
	StatusInError     Status = "IN_ERROR"
	StatusDone        Status = "DONE"
)

// GlobalStep is the coarse lifecycle phase of a transfer.
type GlobalStep string

const (
	StepInit      GlobalStep = "INIT"
	StepPreTask   GlobalStep = "PRETASK"
	StepTransfer  GlobalStep = "TRANSFER"
	StepPostTask  GlobalStep = "POSTTASK"
	StepErrorTask GlobalStep = "ERRORTASK"
	StepComplete  GlobalStep = "COMPLETE"
)

// Mode tells whether the requester pushes (send) or pulls (recv) the file.
type Mode string

const (
	ModeSend Mode = "send"
	ModeRecv Mode = "recv"
)

// TransferRecord is the durable unit of transfer progress.
type TransferRecord struct {
	ID         string     `json:"id"`
	Requester  string     `json:"requester"`
	Requested  string     `json:"requested"`
	IsSender   bool       `json:"is_sender"`
	RuleID     string     `json:"rule_id"`
	Filename   string     `json:"filename"`
	FileSize   int64      `json:"file_size"`
	FileInfo   string     `json:"file_info"`
	BlockSize  int        `json:"block_size"`
	Rank       int        `json:"rank"`
	GlobalStep GlobalStep `json:"global_step"`
	Status     Status     `json:"status"`
	ErrorCode  ErrorCode  `json:"error_code"`
	RetryCount int        `json:"retry_count"`
	CreatedAt  int64      `json:"created_at"`
	UpdatedAt  int64      `json:"updated_at"`
}

// IsRequester reports whether hostID initiated this transfer.
func (r TransferRecord) IsRequester(hostID string) bool {
	return r.Requester == hostID
}

// Peer returns the host on the other side of the transfer as seen from hostID.
func (r TransferRecord) Peer(hostID string) string {
	if r.Requester == hostID {
		return r.Requested
	}
	return r.Requester
}

// TotalBlocks is the number of blocks needed to carry FileSize bytes.
func (r TransferRecord) TotalBlocks() int {
	return BlockCount(r.FileSize, r.BlockSize)
}

// Finished reports whether the record reached its terminal successful state.
func (r TransferRecord) Finished() bool {
	return r.Status == StatusDone && r.GlobalStep == StepComplete
}

// Updated returns the last update time.
func (r TransferRecord) Updated() time.Time {
	return time.UnixMilli(r.UpdatedAt)
}

// BlockCount returns ceil(size/blockSize), or 0 for empty input.
func BlockCount(size int64, blockSize int) int {
	if size <= 0 || blockSize <= 0 {
		return 0
	}
	blocks := int(size / int64(blockSize))
	if size%int64(blockSize) != 0 {
		blocks++
	}
	return blocks
}

// ValidStatus reports whether s is one of the known statuses.
func ValidStatus(s Status) bool {
	switch s {
	case StatusToSubmit, StatusRunning, StatusInterrupted, StatusInError, StatusDone:
		return true
	default:
		return false
	}
}

// ValidStep reports whether s is one of the known global steps.
func ValidStep(s GlobalStep) bool {
	switch s {
	case StepInit, StepPreTask, StepTransfer, StepPostTask, StepErrorTask, StepComplete:
		return true
	default:
		return false
	}
}
