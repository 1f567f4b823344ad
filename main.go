package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"lanshare/config"
	"lanshare/models"
	"lanshare/node"
	"lanshare/storage"
)

func main() {
	dataDir := flag.String("data-dir", "", "override the application data directory")
	autoAccept := flag.Bool("auto-accept", false, "accept every incoming transfer")
	sendTo := flag.String("send-to", "", "device id to send the file arguments to once discovered")
	waitFor := flag.Duration("wait", 30*time.Second, "how long to wait for -send-to to appear")
	flag.Parse()

	if *dataDir != "" {
		if err := os.Setenv(config.DataDirEnv, *dataDir); err != nil {
			logrus.Fatalf("startup failed while setting data dir: %v", err)
		}
	}

	cfg, cfgPath, resolvedDir, err := config.LoadOrCreate()
	if err != nil {
		logrus.Fatalf("startup failed while loading config: %v", err)
	}

	logger := logrus.New()
	logger.SetLevel(cfg.Level())
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Discovery Port:  %d\n", cfg.DiscoveryPort)
	fmt.Printf("Transfer Port:   %d\n", cfg.TransferPort)
	fmt.Printf("Save Directory:  %s\n", cfg.SaveDir)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Data Directory:  %s\n", resolvedDir)

	opts := node.OptionsFromConfig(cfg)
	opts.Logger = logger

	if cfg.History() {
		store, dbPath, err := storage.Open(config.HistoryDir(resolvedDir))
		if err != nil {
			logger.Fatalf("startup failed while opening history database: %v", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.WithError(err).Warn("history database close error")
			}
		}()
		opts.History = store
		fmt.Printf("History File:    %s\n", dbPath)
	}

	collab := &loggingCollaborator{log: logger.WithField("component", "daemon"), autoAccept: *autoAccept}
	n, err := node.New(opts, collab)
	if err != nil {
		logger.Fatalf("startup failed while creating node: %v", err)
	}
	if !n.Start() {
		logger.Fatal("startup failed while binding network sockets")
	}
	defer n.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *sendTo != "" {
		go sendWhenFound(ctx, n, *sendTo, flag.Args(), *waitFor, collab.log)
	}

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

func sendWhenFound(ctx context.Context, n *node.Node, deviceID string, paths []string, wait time.Duration, log logrus.FieldLogger) {
	if len(paths) == 0 {
		log.Warn("-send-to given without file arguments")
		return
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		for _, peer := range n.ListDevices() {
			if peer.DeviceID() != deviceID {
				continue
			}
			ids := n.SendFiles(deviceID, paths)
			log.WithField("device_id", deviceID).Infof("offered %d file(s)", len(ids))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			log.WithField("device_id", deviceID).Error("device not discovered in time")
			return
		case <-ticker.C:
		}
	}
}

type loggingCollaborator struct {
	node.BaseCollaborator
	log        logrus.FieldLogger
	autoAccept bool
}

func (c *loggingCollaborator) OnDeviceFound(peer models.PeerRecord) {
	c.log.WithFields(logrus.Fields{
		"device_id": peer.DeviceID(),
		"name":      peer.Identity.DisplayName,
		"addr":      peer.Address,
		"port":      peer.Port,
	}).Info("device available")
}

func (c *loggingCollaborator) OnDeviceLost(peer models.PeerRecord) {
	c.log.WithField("device_id", peer.DeviceID()).Info("device gone")
}

func (c *loggingCollaborator) OnTransferRequest(peer models.PeerRecord, files []models.FileDescriptor) bool {
	for _, file := range files {
		c.log.WithFields(logrus.Fields{
			"device_id":   peer.DeviceID(),
			"transfer_id": file.TransferID,
			"file":        file.FileName,
			"size":        file.FileSize,
		}).Info("incoming file offered")
	}
	return c.autoAccept
}

func (c *loggingCollaborator) OnProgress(file models.FileDescriptor, percent float64, bytesPerSecond float64) {
	c.log.WithFields(logrus.Fields{
		"transfer_id": file.TransferID,
		"file":        file.FileName,
	}).Debugf("%.1f%% at %.0f B/s", percent, bytesPerSecond)
}

func (c *loggingCollaborator) OnComplete(file models.FileDescriptor, isSender bool) {
	direction := "received"
	if isSender {
		direction = "sent"
	}
	c.log.WithFields(logrus.Fields{
		"transfer_id": file.TransferID,
		"file":        file.FileName,
		"path":        file.SavePath,
	}).Infof("file %s", direction)
}

func (c *loggingCollaborator) OnError(file models.FileDescriptor, message string) {
	c.log.WithFields(logrus.Fields{
		"transfer_id": file.TransferID,
		"file":        file.FileName,
	}).Error(message)
}
