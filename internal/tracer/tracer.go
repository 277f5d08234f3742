// Package tracer loads the compiled eBPF tracer object, pins it to the
// target PID and turns its kernel-side aggregates into io.csv and
// trace.csv rows. It satisfies the same Arm/Disarm/Drain contract as the
// collectors package.
package tracer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/sirupsen/logrus"

	"github.com/alarmfox/enclave-benchmark/internal/logging"
	"github.com/alarmfox/enclave-benchmark/internal/output"
)

// ObjectEnvVar overrides the search path of the compiled tracer object.
const ObjectEnvVar = "EB_BPF_OBJECT"

const (
	ringPollTimeout = 100 * time.Millisecond
	ringDrainGrace  = 500 * time.Millisecond
)

// agg_map keys; must stay in sync with bpf/tracer.h.
const (
	aggKeyWrite uint32 = 0
	aggKeyRead  uint32 = 1
)

// Map value layouts, mirrored from bpf/tracer.h.
type ioCounter struct {
	Count           uint64
	TotalDurationNs uint64
}

type diskCounter struct {
	LastSector uint64
	Bytes      uint64
	Sequential uint32
	Random     uint32
}

type sgxCounters struct {
	EnclLoadPage uint64
	EnclWb       uint64
	VmaAccess    uint64
	VmaFault     uint64
}

// Config selects which probe families the tracer arms.
type Config struct {
	// DeepTrace enables the ring buffer and the kmem tracepoints.
	DeepTrace bool
	// SGX enables the sgx_* kprobes and the sgx.* counter rows.
	SGX bool
	// ObjectPath points at the compiled eBPF object; empty means discover.
	ObjectPath string
}

// Tracer drives one iteration's eBPF session.
type Tracer struct {
	cfg        Config
	partitions []Partition

	coll   *ebpf.Collection
	links  []link.Link
	reader *ringbuf.Reader

	stop   atomic.Bool
	done   chan struct{}
	events []TraceEvent

	dir           string
	droppedProbes []string
	ioRows        []string
	sgxRows       []string
}

func New(cfg Config, partitions []Partition) *Tracer {
	return &Tracer{cfg: cfg, partitions: partitions}
}

func (t *Tracer) Name() string { return "tracer" }

// probeSpec ties a program name to its attach point. Optional probes may
// be missing on the running kernel: missing SGX kprobes leave their
// counters at zero, a missing block tracepoint leaves io.csv without disk
// rows, and missing kmem tracepoints emit no trace events.
type probeSpec struct {
	program  string
	group    string // tracepoint group; empty for kprobes
	attach   string // tracepoint name or kprobe symbol
	optional bool
}

func (t *Tracer) probes() []probeSpec {
	specs := []probeSpec{
		{program: "trace_enter_read", group: "syscalls", attach: "sys_enter_read"},
		{program: "trace_exit_read", group: "syscalls", attach: "sys_exit_read"},
		{program: "trace_enter_write", group: "syscalls", attach: "sys_enter_write"},
		{program: "trace_exit_write", group: "syscalls", attach: "sys_exit_write"},
		{program: "handle_block_rq_complete", group: "block", attach: "block_rq_complete", optional: true},
	}
	if t.cfg.SGX {
		specs = append(specs,
			probeSpec{program: "count_sgx_vma_access", attach: "sgx_vma_access", optional: true},
			probeSpec{program: "count_sgx_vma_fault", attach: "sgx_vma_fault", optional: true},
			probeSpec{program: "count_sgx_encl_load", attach: "sgx_encl_load_page", optional: true},
			probeSpec{program: "count_sgx_encl_ewb", attach: "__sgx_encl_ewb", optional: true},
		)
	}
	if t.cfg.DeepTrace {
		specs = append(specs,
			probeSpec{program: "trace_kmalloc", group: "kmem", attach: "kmalloc", optional: true},
			probeSpec{program: "trace_kfree", group: "kmem", attach: "kfree", optional: true},
			probeSpec{program: "trace_page_alloc", group: "kmem", attach: "mm_page_alloc", optional: true},
			probeSpec{program: "trace_page_free", group: "kmem", attach: "mm_page_free", optional: true},
		)
	}
	return specs
}

func (t *Tracer) Arm(pid int, iterationDir string) error {
	logger := logging.GetLogger()
	t.dir = iterationDir

	objPath, err := findObject(t.cfg.ObjectPath)
	if err != nil {
		return err
	}

	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return fmt.Errorf("cannot load eBPF object %s: %w", objPath, err)
	}
	if err := spec.RewriteConstants(map[string]interface{}{
		"targ_pid":   int32(pid),
		"deep_trace": t.cfg.DeepTrace,
	}); err != nil {
		return fmt.Errorf("cannot set eBPF constants: %w", err)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return fmt.Errorf("cannot load eBPF collection: %w", err)
	}
	t.coll = coll

	for _, p := range t.probes() {
		prog, ok := coll.Programs[p.program]
		if !ok {
			t.disarmLinks()
			return fmt.Errorf("eBPF object has no program %s", p.program)
		}
		var (
			l   link.Link
			err error
		)
		if p.group != "" {
			l, err = link.Tracepoint(p.group, p.attach, prog, nil)
		} else {
			l, err = link.Kprobe(p.attach, prog, nil)
		}
		if err != nil {
			if !p.optional {
				t.disarmLinks()
				return fmt.Errorf("cannot attach %s: %w", p.attach, err)
			}
			t.droppedProbes = append(t.droppedProbes, p.attach)
			logger.WithFields(logrus.Fields{
				"probe": p.attach,
			}).WithError(err).Debug("Probe attach failed, continuing without it")
			continue
		}
		t.links = append(t.links, l)
	}

	t.done = make(chan struct{})
	if t.cfg.DeepTrace {
		rd, err := ringbuf.NewReader(coll.Maps["events"])
		if err != nil {
			t.disarmLinks()
			return fmt.Errorf("cannot open ring buffer: %w", err)
		}
		t.reader = rd
		go t.consume()
	} else {
		close(t.done)
	}

	logger.WithFields(logrus.Fields{
		"pid":    pid,
		"object": objPath,
		"deep":   t.cfg.DeepTrace,
		"sgx":    t.cfg.SGX,
	}).Debug("eBPF tracer armed")
	return nil
}

// consume polls the ring buffer with a bounded deadline so the stop flag
// is observed promptly. Events are only buffered here; sorting and
// serialization happen on drain so the poll loop never blocks on a writer.
func (t *Tracer) consume() {
	defer close(t.done)

	var drainingSince time.Time
	for {
		if t.stop.Load() && drainingSince.IsZero() {
			drainingSince = time.Now()
		}
		if !drainingSince.IsZero() && time.Since(drainingSince) > ringDrainGrace {
			return
		}

		t.reader.SetDeadline(time.Now().Add(ringPollTimeout))
		record, err := t.reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				// after stop, one empty poll means the buffer is dry
				if !drainingSince.IsZero() {
					return
				}
				continue
			}
			logging.GetLogger().WithError(err).Warn("Ring buffer read failed")
			continue
		}
		ev, err := decodeTraceEvent(record.RawSample)
		if err != nil {
			continue
		}
		t.events = append(t.events, ev)
	}
}

func (t *Tracer) Disarm() error {
	t.stop.Store(true)
	return nil
}

func (t *Tracer) Drain() error {
	logger := logging.GetLogger()
	<-t.done

	if t.reader != nil {
		_ = t.reader.Close()
	}
	// counters are read only after the probes are gone so kernel-side
	// increments cannot race the snapshot
	t.disarmLinks()

	t.buildIoRows()
	if t.cfg.SGX {
		t.buildSgxRows()
	}

	var dropped uint64
	var key uint32
	if m, ok := t.coll.Maps["dropped"]; ok {
		if err := m.Lookup(&key, &dropped); err == nil && dropped > 0 {
			logger.WithField("count", dropped).Warn("Ring buffer submissions dropped")
		}
	}

	var err error
	if t.cfg.DeepTrace {
		err = t.writeTraceCSV()
	}

	t.coll.Close()
	t.coll = nil
	return err
}

func (t *Tracer) disarmLinks() {
	for _, l := range t.links {
		_ = l.Close()
	}
	t.links = nil
}

func (t *Tracer) buildIoRows() {
	var readStats, writeStats ioCounter
	aggMap := t.coll.Maps["agg_map"]
	key := aggKeyRead
	_ = aggMap.Lookup(&key, &readStats)
	key = aggKeyWrite
	_ = aggMap.Lookup(&key, &writeStats)

	t.ioRows = []string{
		output.KV("read.count", readStats.Count),
		output.KV("read.total_duration_ns", readStats.TotalDurationNs),
		output.KV("write.count", writeStats.Count),
		output.KV("write.total_duration_ns", writeStats.TotalDurationNs),
	}

	type diskRow struct {
		name string
		c    diskCounter
	}
	var disks []diskRow
	var dev uint32
	var counter diskCounter
	iter := t.coll.Maps["counters"].Iterate()
	for iter.Next(&dev, &counter) {
		disks = append(disks, diskRow{name: DeviceName(t.partitions, dev), c: counter})
	}
	sort.Slice(disks, func(i, j int) bool { return disks[i].name < disks[j].name })

	for _, d := range disks {
		seqPct, randPct := accessPercentages(d.c.Sequential, d.c.Random)
		t.ioRows = append(t.ioRows,
			output.KV("disk."+d.name+".bytes", d.c.Bytes),
			output.KV("disk."+d.name+".seq_pct", seqPct),
			output.KV("disk."+d.name+".rand_pct", randPct),
		)
	}
}

// accessPercentages splits requests into sequential/random percent, summing
// to exactly 100 whenever any request was observed.
func accessPercentages(sequential, random uint32) (uint32, uint32) {
	total := sequential + random
	if total == 0 {
		return 0, 0
	}
	seq := sequential * 100 / total
	return seq, 100 - seq
}

func (t *Tracer) buildSgxRows() {
	var counters sgxCounters
	var key uint32
	if m, ok := t.coll.Maps["sgx_stats"]; ok {
		// a missing entry (no probe fired, or all sgx kprobes dropped)
		// leaves the counters at zero
		_ = m.Lookup(&key, &counters)
	}
	t.sgxRows = []string{
		output.KV("sgx.encl_load_page", counters.EnclLoadPage),
		output.KV("sgx.encl_wb", counters.EnclWb),
		output.KV("sgx.vma_access", counters.VmaAccess),
		output.KV("sgx.vma_fault", counters.VmaFault),
	}
}

func (t *Tracer) writeTraceCSV() error {
	sort.SliceStable(t.events, func(i, j int) bool {
		return t.events[i].TimestampNs < t.events[j].TimestampNs
	})
	rows := make([]string, 0, len(t.events))
	for _, ev := range t.events {
		rows = append(rows, output.CSVRow(strconv.FormatUint(ev.TimestampNs, 10), ev.Name()))
	}
	return output.WriteCSV(filepath.Join(t.dir, "trace.csv"), output.TraceCSVHeader, rows)
}

// IoRows returns the syscall and disk aggregate rows for io.csv.
func (t *Tracer) IoRows() []string { return t.ioRows }

// SgxRows returns the kernel-side SGX counter rows, empty for native runs.
func (t *Tracer) SgxRows() []string { return t.sgxRows }

// DroppedProbes lists attach points that were unavailable on this kernel.
func (t *Tracer) DroppedProbes() []string { return t.droppedProbes }

// findObject locates the compiled tracer object: explicit path, then the
// environment override, then next to the harness binary, then the system
// share directory.
func findObject(explicit string) (string, error) {
	var candidates []string
	if explicit != "" {
		candidates = append(candidates, explicit)
	}
	if env := os.Getenv(ObjectEnvVar); env != "" {
		candidates = append(candidates, env)
	}
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "tracer.bpf.o"))
	}
	candidates = append(candidates,
		"bpf/tracer.bpf.o",
		"/usr/local/share/enclave-benchmark/tracer.bpf.o",
	)

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("tracer object not found (set %s)", ObjectEnvVar)
}
