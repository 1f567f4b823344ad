package protocol

// DiscoverPayload announces a device. Used by DISCOVER and DISCOVER_RESPONSE.
type DiscoverPayload struct {
	SchemaVersion int    `json:"schema_version"`
	DeviceID      string `json:"device_id"`
	DeviceName    string `json:"device_name"`
	IPAddress     string `json:"ip_address"`
	Port          int    `json:"port"`
}

// GoodbyePayload tells peers a device is leaving.
type GoodbyePayload struct {
	SchemaVersion int    `json:"schema_version"`
	DeviceID      string `json:"device_id"`
}

// FileEntry is one offered file inside a TRANSFER_REQUEST.
type FileEntry struct {
	TransferID string `json:"transfer_id"`
	FileID     string `json:"file_id"`
	FileName   string `json:"file_name"`
	FileSize   int64  `json:"file_size"`
	FileHash   string `json:"file_hash,omitempty"`
	ChunkSize  int    `json:"chunk_size"`
}

// TransferRequestPayload offers a batch of files. Every file carries its own
// transfer id; BatchID groups them.
type TransferRequestPayload struct {
	SchemaVersion int         `json:"schema_version"`
	BatchID       string      `json:"batch_id"`
	SenderID      string      `json:"sender_id"`
	SenderName    string      `json:"sender_name"`
	Files         []FileEntry `json:"files"`
}

// TransferDecisionPayload answers one file of a request.
// TRANSFER_ACCEPT sets Accepted; TRANSFER_REJECT carries Reason.
type TransferDecisionPayload struct {
	SchemaVersion int    `json:"schema_version"`
	TransferID    string `json:"transfer_id"`
	FileID        string `json:"file_id,omitempty"`
	Accepted      bool   `json:"accepted"`
	ReceiverID    string `json:"receiver_id,omitempty"`
	ReceiverName  string `json:"receiver_name,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// FileInfoPayload opens a data connection for one file.
type FileInfoPayload struct {
	SchemaVersion int    `json:"schema_version"`
	TransferID    string `json:"transfer_id"`
	FileID        string `json:"file_id"`
	SenderID      string `json:"sender_id"`
	FileName      string `json:"file_name"`
	FileSize      int64  `json:"file_size"`
	FileHash      string `json:"file_hash,omitempty"`
	ChunkSize     int    `json:"chunk_size"`
	ResumeOffset  int64  `json:"resume_offset"`
}

// FileReadyPayload is the receiver's answer to FILE_INFO: the offset it has
// durably written and from which the sender must continue.
type FileReadyPayload struct {
	SchemaVersion int    `json:"schema_version"`
	TransferID    string `json:"transfer_id"`
	ResumeOffset  int64  `json:"resume_offset"`
}

// CompletePayload ends the byte stream of a file.
type CompletePayload struct {
	SchemaVersion int    `json:"schema_version"`
	TransferID    string `json:"transfer_id"`
	FileHash      string `json:"file_hash,omitempty"`
}

// CompleteAckPayload reports the receiver's verification verdict.
type CompleteAckPayload struct {
	SchemaVersion int    `json:"schema_version"`
	TransferID    string `json:"transfer_id"`
	Success       bool   `json:"success"`
	Reason        string `json:"reason,omitempty"`
}

// ControlPayload carries PAUSE, RESUME and CANCEL.
type ControlPayload struct {
	SchemaVersion int    `json:"schema_version"`
	TransferID    string `json:"transfer_id"`
	Action        string `json:"action"`
}

// ErrorPayload reports a protocol-level problem to the peer.
type ErrorPayload struct {
	SchemaVersion int    `json:"schema_version"`
	TransferID    string `json:"transfer_id,omitempty"`
	Code          string `json:"code"`
	Message       string `json:"message"`
}

// IsControl reports whether msgType is one of PAUSE, RESUME or CANCEL.
func IsControl(msgType string) bool {
	switch msgType {
	case TypePause, TypeResume, TypeCancel:
		return true
	default:
		return false
	}
}
