package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustSaveTransfer(t *testing.T, store *Store, record TransferRecord) {
	t.Helper()

	if record.Role == "" {
		record.Role = roleSender
	}
	if record.Status == "" {
		record.Status = statusCompleted
	}
	if record.FileName == "" {
		record.FileName = "file-" + record.TransferID + ".bin"
	}
	if record.PeerDeviceID == "" {
		record.PeerDeviceID = "peer-a"
	}
	if err := store.SaveTransfer(record); err != nil {
		t.Fatalf("save transfer %q: %v", record.TransferID, err)
	}
}
