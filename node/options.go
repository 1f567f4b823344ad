package node

import (
	"errors"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"lanshare/config"
	"lanshare/models"
	"lanshare/storage"
	"lanshare/transfer"
)

// History stores and lists terminal transfer outcomes.
type History interface {
	transfer.Recorder
	ListTransfers(limit int) ([]storage.TransferRecord, error)
}

// Options configures a Node.
type Options struct {
	Identity models.DeviceIdentity

	// ListenAddress is the local host both sockets bind to; empty means all
	// interfaces.
	ListenAddress string
	// TransferPort defaults to config.DefaultTransferPort; a negative value
	// binds an ephemeral port.
	TransferPort int
	// DiscoveryPort follows discovery.Config semantics.
	DiscoveryPort     int
	BroadcastInterval time.Duration
	PeerTimeout       time.Duration
	// Targets overrides the discovery broadcast destinations.
	Targets    []string
	EnableMDNS bool

	// Transfer holds the transfer tuning. Identity, Events, Logger and
	// Recorder are set by the Node.
	Transfer transfer.Options

	// History is optional; when set every terminal task is recorded.
	History History

	Logger logrus.FieldLogger
}

// OptionsFromConfig maps persisted device settings to node options.
func OptionsFromConfig(cfg *config.DeviceConfig) Options {
	return Options{
		Identity: models.DeviceIdentity{
			DeviceID:    cfg.DeviceID,
			DisplayName: cfg.DeviceName,
		},
		TransferPort:      cfg.TransferPort,
		DiscoveryPort:     cfg.DiscoveryPort,
		BroadcastInterval: cfg.BroadcastInterval(),
		EnableMDNS:        cfg.EnableMDNS,
		Transfer: transfer.Options{
			SaveDir:       cfg.SaveDir,
			ChunkSize:     cfg.ChunkSize,
			DisableHash:   !cfg.HashEnabled(),
			MaxReconnects: cfg.MaxReconnects,
			ChunkTimeout:  cfg.ChunkTimeout(),
		},
	}
}

func (o Options) withDefaults() Options {
	out := o
	if out.TransferPort == 0 {
		out.TransferPort = config.DefaultTransferPort
	}
	if out.TransferPort < 0 {
		out.TransferPort = 0
	}
	if out.Logger == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		out.Logger = logger
	}
	return out
}

func (o Options) validate() error {
	if strings.TrimSpace(o.Identity.DeviceID) == "" {
		return errors.New("local device ID is required")
	}
	if o.TransferPort > 65535 {
		return errors.New("transfer port out of range")
	}
	return nil
}

var _ History = (*storage.Store)(nil)
