package sync

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-mysql-org/go-mysql/canal"
	"github.com/go-mysql-org/go-mysql/schema"
	"go.uber.org/zap"

	"device-sync-service/internal/config"
	"device-sync-service/internal/logger"
	"device-sync-service/internal/store"
)

// JournalTable is the cloud table every device appends its transmitted
// changes to. The remote feed tails its binlog to learn about changes made
// on other devices.
const JournalTable = "sync_changes"

// RemoteFeed follows the cloud database binlog and ingests journal rows
// written by other devices as competing changes.
type RemoteFeed struct {
	cfg      config.DatabaseConnection
	canal    *canal.Canal
	deviceID string
	ingest   func(ctx context.Context, change *store.Change) error
	changes  chan *store.Change
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	started  bool
}

func NewRemoteFeed(cfg config.DatabaseConnection, feed config.RemoteFeedConfig, deviceID string, ingest func(context.Context, *store.Change) error) (*RemoteFeed, error) {
	cc := canal.NewDefaultConfig()
	cc.Addr = cfg.Addr()
	cc.User = cfg.ReplicationUser
	cc.Password = cfg.ReplicationPassword
	cc.Flavor = "mysql"
	cc.ServerID = feed.ServerID
	cc.Dump.ExecutionPath = "" // We don't want to dump, just follow the binlog
	cc.IncludeTableRegex = []string{fmt.Sprintf("^%s\\.%s$", cfg.Database, JournalTable)}

	c, err := canal.NewCanal(cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create canal: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	f := &RemoteFeed{
		cfg:      cfg,
		canal:    c,
		deviceID: deviceID,
		ingest:   ingest,
		changes:  make(chan *store.Change, 1024),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	c.SetEventHandler(&eventHandler{feed: f})

	return f, nil
}

func (f *RemoteFeed) Start() error {
	pos, err := f.canal.GetMasterPos()
	if err != nil {
		return fmt.Errorf("failed to read binlog position: %w", err)
	}

	logger.Log.Info("Starting remote feed",
		zap.String("host", f.cfg.Host),
		zap.String("binlogFile", pos.Name),
		zap.Uint32("binlogPos", pos.Pos),
	)

	go func() {
		if err := f.canal.RunFrom(pos); err != nil && f.ctx.Err() == nil {
			logger.Log.Error("Canal run error", zap.Error(err))
		}
	}()

	f.started = true
	go f.drain()
	return nil
}

func (f *RemoteFeed) Stop() {
	f.cancel()
	f.canal.Close()
	if f.started {
		<-f.done
	}
	logger.Log.Info("Stopped remote feed")
}

func (f *RemoteFeed) drain() {
	defer close(f.done)
	for {
		select {
		case <-f.ctx.Done():
			return
		case change := <-f.changes:
			if err := f.ingest(f.ctx, change); err != nil {
				logger.Log.Error("Failed to ingest remote change",
					zap.String("changeID", change.ID),
					zap.String("originDevice", change.DeviceID),
					zap.Error(err),
				)
			}
		}
	}
}

type eventHandler struct {
	canal.DummyEventHandler
	feed *RemoteFeed
}

func (h *eventHandler) OnRow(e *canal.RowsEvent) error {
	if e.Table.Name != JournalTable || e.Action != canal.InsertAction {
		return nil
	}

	for _, row := range e.Rows {
		change, err := changeFromRow(e.Table, row)
		if err != nil {
			logger.Log.Warn("Skipping malformed journal row", zap.Error(err))
			continue
		}
		if change.DeviceID == h.feed.deviceID {
			continue
		}

		// Block when the buffer is full to apply backpressure to the binlog reader.
		select {
		case h.feed.changes <- change:
		case <-h.feed.ctx.Done():
			return h.feed.ctx.Err()
		}
	}
	return nil
}

func (h *eventHandler) String() string {
	return "RemoteFeedEventHandler"
}

// changeFromRow maps a sync_changes row to a change.
func changeFromRow(table *schema.Table, row []interface{}) (*store.Change, error) {
	col := func(name string) (interface{}, error) {
		i := table.FindColumn(name)
		if i < 0 || i >= len(row) {
			return nil, fmt.Errorf("column %s missing from %s", name, table.Name)
		}
		return row[i], nil
	}

	var (
		c   store.Change
		err error
	)
	fields := []struct {
		name string
		dst  *string
	}{
		{"change_id", &c.ID},
		{"entity_type", &c.EntityType},
		{"entity_id", &c.EntityID},
		{"device_id", &c.DeviceID},
	}
	for _, f := range fields {
		v, err := col(f.name)
		if err != nil {
			return nil, err
		}
		*f.dst = rowString(v)
	}

	op, err := col("operation")
	if err != nil {
		return nil, err
	}
	c.Operation = store.Operation(rowString(op))

	prio, err := col("priority")
	if err != nil {
		return nil, err
	}
	c.Priority = store.Priority(rowString(prio))

	payload, err := col("payload")
	if err != nil {
		return nil, err
	}
	switch p := payload.(type) {
	case []byte:
		c.Payload = append([]byte(nil), p...)
	case string:
		c.Payload = []byte(p)
	}

	ts, err := col("origin_timestamp")
	if err != nil {
		return nil, err
	}
	if c.Timestamp, err = rowTime(ts); err != nil {
		return nil, err
	}

	if c.ID == "" || c.DeviceID == "" {
		return nil, fmt.Errorf("journal row without change or device id")
	}
	return &c, nil
}

func rowString(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(s)
	}
}

// rowTime accepts the DATETIME renderings canal produces.
func rowTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		for _, layout := range []string{"2006-01-02 15:04:05.999999", "2006-01-02 15:04:05"} {
			if parsed, err := time.ParseInLocation(layout, t, time.UTC); err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", t)
	case int64:
		return time.Unix(t, 0).UTC(), nil
	case uint32:
		return time.Unix(int64(t), 0).UTC(), nil
	default:
		if n, err := strconv.ParseInt(rowString(v), 10, 64); err == nil {
			return time.Unix(n, 0).UTC(), nil
		}
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}
