package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/soilsense/trustd/internal/ingest"
	"github.com/soilsense/trustd/internal/log"
	"github.com/soilsense/trustd/pkg/config"
	serial "github.com/tarm/goserial"
	"go.uber.org/zap"
)

// SerialGateway reads newline-delimited reading datagrams from a wired
// datalogger. Disconnects are retried with a fixed backoff.
type SerialGateway struct {
	ctx      context.Context
	wg       *sync.WaitGroup
	cfg      config.SerialGatewayData
	ingestor *ingest.Ingestor
	logger   *zap.SugaredLogger
	rwc      io.ReadWriteCloser
}

// NewSerialGateway creates a serial ingest gateway.
func NewSerialGateway(ctx context.Context, wg *sync.WaitGroup, cfg config.SerialGatewayData, ing *ingest.Ingestor, logger *zap.SugaredLogger) *SerialGateway {
	// 9600 baud by default, applicable for most dataloggers.
	if cfg.Baud == 0 {
		cfg.Baud = 9600
	}
	return &SerialGateway{
		ctx:      ctx,
		wg:       wg,
		cfg:      cfg,
		ingestor: ing,
		logger:   logger,
	}
}

// StartGateway launches the read loop.
func (g *SerialGateway) StartGateway() error {
	log.Infof("Starting serial ingest gateway on %v...", g.cfg.Device)
	g.wg.Add(1)
	go g.readLines()
	return nil
}

func (g *SerialGateway) readLines() {
	defer g.wg.Done()
	defer log.Info("serial ingest gateway stopped")

	for {
		select {
		case <-g.ctx.Done():
			g.close()
			return
		default:
		}

		if g.rwc == nil {
			if !g.connect() {
				return
			}
		}

		scanner := bufio.NewScanner(g.rwc)
		for scanner.Scan() {
			select {
			case <-g.ctx.Done():
				g.close()
				return
			default:
			}
			g.handleLine(scanner.Bytes())
		}

		if err := scanner.Err(); err != nil {
			g.logger.Errorw("serial read error, reconnecting", "device", g.cfg.Device, "error", err)
		}
		g.close()

		select {
		case <-g.ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

// connect opens the serial device, retrying until it succeeds or the
// context is cancelled. Returns false on cancellation.
func (g *SerialGateway) connect() bool {
	sc := &serial.Config{Name: g.cfg.Device, Baud: g.cfg.Baud}
	for {
		rwc, err := serial.OpenPort(sc)
		if err == nil {
			log.Infof("connected to datalogger on %v", g.cfg.Device)
			g.rwc = rwc
			return true
		}

		g.logger.Errorw("could not open serial device, retrying",
			"device", g.cfg.Device, "error", err)

		select {
		case <-g.ctx.Done():
			return false
		case <-time.After(5 * time.Second):
		}
	}
}

func (g *SerialGateway) handleLine(line []byte) {
	if len(line) == 0 {
		return
	}

	var d Datagram
	if err := json.Unmarshal(line, &d); err != nil {
		g.logger.Warnw("discarding malformed serial line", "error", err)
		return
	}
	if d.ExternalID == "" {
		g.logger.Warn("discarding serial line without externalId")
		return
	}

	if _, err := g.ingestor.Ingest(g.ctx, d.ExternalID, d.Payload); err != nil {
		g.logger.Warnw("serial reading rejected", "sensor", d.ExternalID, "error", err)
	}
}

func (g *SerialGateway) close() {
	if g.rwc != nil {
		g.rwc.Close()
		g.rwc = nil
	}
}
