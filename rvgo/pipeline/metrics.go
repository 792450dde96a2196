package pipeline

import (
	"time"

	"github.com/asterisc-zk/chunkprover/rvgo/enclave"
)

type Metricer interface {
	RecordChunkExecuted(r enclave.CycleRange, pageIns int, dirty int, elapsed time.Duration)
	RecordChunkQueued(r enclave.CycleRange)
	RecordReceiptStored(r enclave.CycleRange, elapsed time.Duration)
	RecordPageIns(total uint64)
	RecordCycle(mcycle uint64)
}

type NoopMetrics struct{}

var _ Metricer = NoopMetrics{}

func (NoopMetrics) RecordChunkExecuted(enclave.CycleRange, int, int, time.Duration) {}
func (NoopMetrics) RecordChunkQueued(enclave.CycleRange)                            {}
func (NoopMetrics) RecordReceiptStored(enclave.CycleRange, time.Duration)           {}
func (NoopMetrics) RecordPageIns(uint64)                                            {}
func (NoopMetrics) RecordCycle(uint64)                                              {}
