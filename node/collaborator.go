package node

import "lanshare/models"

// DeviceObserver is told when peers appear on or leave the network.
type DeviceObserver interface {
	OnDeviceFound(peer models.PeerRecord)
	OnDeviceLost(peer models.PeerRecord)
}

// RequestHandler decides on incoming offers. Returning true accepts every
// offered file; false leaves them as pending transfers.
type RequestHandler interface {
	OnTransferRequest(peer models.PeerRecord, files []models.FileDescriptor) bool
}

// ProgressObserver receives throttled progress for active tasks.
type ProgressObserver interface {
	OnProgress(file models.FileDescriptor, percent float64, bytesPerSecond float64)
}

// CompletionObserver is told once per successfully finished task.
type CompletionObserver interface {
	OnComplete(file models.FileDescriptor, isSender bool)
}

// ErrorObserver receives task failures and failed façade calls. The
// descriptor is empty when the failure is not tied to a file.
type ErrorObserver interface {
	OnError(file models.FileDescriptor, message string)
}

// Collaborator is the full callback surface a Node reports through.
// Callbacks may run concurrently on node goroutines.
type Collaborator interface {
	DeviceObserver
	RequestHandler
	ProgressObserver
	CompletionObserver
	ErrorObserver
}

// BaseCollaborator implements Collaborator with no-ops. Embed it to
// override only the callbacks you need.
type BaseCollaborator struct{}

func (BaseCollaborator) OnDeviceFound(models.PeerRecord) {}
func (BaseCollaborator) OnDeviceLost(models.PeerRecord)  {}
func (BaseCollaborator) OnTransferRequest(models.PeerRecord, []models.FileDescriptor) bool {
	return false
}
func (BaseCollaborator) OnProgress(models.FileDescriptor, float64, float64) {}
func (BaseCollaborator) OnComplete(models.FileDescriptor, bool)             {}
func (BaseCollaborator) OnError(models.FileDescriptor, string)              {}
