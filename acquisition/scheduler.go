package acquisition

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/fwaytoday/iot-dc3/internal/pool"
	"github.com/fwaytoday/iot-dc3/metadata"
)

// Submitter queues tasks on the worker pool.
type Submitter interface {
	Submit(ctx context.Context, task pool.Task) error
}

// Reader performs one point read.
type Reader interface {
	Read(ctx context.Context, deviceID, pointID string) error
}

// ReadScheduler fans a read tick out into one pool task per pollable point.
type ReadScheduler struct {
	metadata *metadata.Store
	reader   Reader
	tasks    Submitter
	logger   zerolog.Logger
}

// NewReadScheduler wires a scheduler.
func NewReadScheduler(store *metadata.Store, reader Reader, tasks Submitter, logger zerolog.Logger) *ReadScheduler {
	return &ReadScheduler{metadata: store, reader: reader, tasks: tasks, logger: logger}
}

// Tick submits a read for every pollable point of every device and returns
// the number of submitted reads. It does not wait for the reads.
func (s *ReadScheduler) Tick(ctx context.Context) int {
	md := s.metadata.Snapshot()
	submitted := 0
	for _, dev := range md.DeviceList() {
		for _, pointID := range md.PollablePoints(dev.ID) {
			deviceID, pointID := dev.ID, pointID
			err := s.tasks.Submit(ctx, func(taskCtx context.Context) {
				_ = s.reader.Read(taskCtx, deviceID, pointID)
			})
			if err != nil {
				s.logger.Warn().Err(err).Int("submitted", submitted).Msg("read tick aborted")
				return submitted
			}
			submitted++
		}
	}
	if submitted > 0 {
		s.logger.Debug().Int("reads", submitted).Msg("read tick")
	}
	return submitted
}
