// Package metrics exposes server state to Prometheus. Gauges and counters are read from the
// components at scrape time, so nothing here sits on the packet path except the handle-time
// histogram.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"voxelshard.ai/internal/dispatch"
	"voxelshard.ai/internal/octree"
	"voxelshard.ai/internal/persistence/snapshot"
)

const namespace = "voxelshard"

// Sources are polled on every scrape. Nil fields are skipped.
type Sources struct {
	Tree     func() octree.Stats
	Dispatch func() dispatch.Stats
	Queue    func() dispatch.QueueStats
	Persist  func() snapshot.Stats
	Peers    func() int
	// Counters holds extra monotonically increasing values keyed by metric suffix, such as
	// jurisdiction replies or mirror uploads.
	Counters map[string]func() uint64
}

type Metrics struct {
	Registry *prometheus.Registry

	handle *prometheus.HistogramVec
}

func New(src Sources) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		newCollector(src),
	)
	handle := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "packet_handle_seconds",
		Help:      "Time spent handling one inbound packet, by packet type.",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
	}, []string{"type"})
	reg.MustRegister(handle)
	return &Metrics{Registry: reg, handle: handle}
}

// ObserveHandle records how long a packet of the given type took.
func (m *Metrics) ObserveHandle(typ string, d time.Duration) {
	if m == nil {
		return
	}
	m.handle.WithLabelValues(typ).Observe(d.Seconds())
}

type collector struct {
	src Sources

	nodes, colored, leaves, internal *prometheus.Desc
	memory                           *prometheus.Desc
	population                       *prometheus.Desc
	generation                       *prometheus.Desc

	packets, records, dropped, outOfRegion, rebroadcasts *prometheus.Desc
	queueDepth, queueDropped                             *prometheus.Desc

	saves, saveFailures, lastSave, lastSaveBytes *prometheus.Desc
	peers                                        *prometheus.Desc
	extra                                        map[string]*prometheus.Desc
}

func desc(name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
}

func newCollector(src Sources) *collector {
	c := &collector{
		src:           src,
		nodes:         desc("tree_nodes", "Nodes in the octree, root included."),
		colored:       desc("tree_colored_nodes", "Nodes carrying a color."),
		leaves:        desc("tree_leaf_nodes", "Nodes without children."),
		internal:      desc("tree_internal_nodes", "Nodes with at least one child."),
		memory:        desc("tree_memory_bytes", "Estimated octree memory use.", "part"),
		population:    desc("tree_child_population", "Nodes by number of children.", "children"),
		generation:    desc("tree_generation", "Mutation generation of the tree."),
		packets:       desc("dispatch_packets_total", "Mutation packets handled.", "type"),
		records:       desc("dispatch_records_total", "Records in mutation packets.", "result"),
		dropped:       desc("dispatch_dropped_total", "Packets dropped as malformed or unknown."),
		outOfRegion:   desc("dispatch_out_of_jurisdiction_total", "Records outside the owned region."),
		rebroadcasts:  desc("dispatch_rebroadcasts_total", "Z commands forwarded to agents."),
		queueDepth:    desc("dispatch_queue_depth", "Packets waiting in the dispatch queue."),
		queueDropped:  desc("dispatch_queue_dropped_total", "Packets dropped because the queue was full."),
		saves:         desc("persist_saves_total", "Successful persist file saves."),
		saveFailures:  desc("persist_failures_total", "Failed persist file saves."),
		lastSave:      desc("persist_last_save_timestamp_seconds", "Unix time of the last save."),
		lastSaveBytes: desc("persist_last_save_bytes", "Size of the last saved file."),
		peers:         desc("peers", "Known peers."),
		extra:         map[string]*prometheus.Desc{},
	}
	for name := range src.Counters {
		c.extra[name] = desc(name+"_total", "Counter "+name+".")
	}
	return c
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	if c.src.Tree != nil {
		st := c.src.Tree()
		gauge(c.nodes, float64(st.Nodes))
		gauge(c.colored, float64(st.Colored))
		gauge(c.leaves, float64(st.Leaves))
		gauge(c.internal, float64(st.Internal))
		gauge(c.memory, float64(st.NodeBytes), "nodes")
		gauge(c.memory, float64(st.PathBytes), "paths")
		for k, n := range st.ChildPopulation {
			gauge(c.population, float64(n), string(rune('0'+k)))
		}
		gauge(c.generation, float64(st.Generation))
	}
	if c.src.Dispatch != nil {
		st := c.src.Dispatch()
		counter(c.packets, st.SetPackets, "set")
		counter(c.packets, st.DestructivePackets, "set_destructive")
		counter(c.packets, st.ErasePackets, "erase")
		counter(c.packets, st.CommandPackets, "command")
		counter(c.records, st.RecordsApplied, "applied")
		counter(c.records, st.RecordsSkipped, "skipped")
		counter(c.records, st.RecordsAbsent, "absent")
		counter(c.dropped, st.Dropped)
		counter(c.outOfRegion, st.OutOfRegion)
		counter(c.rebroadcasts, st.Rebroadcasts)
	}
	if c.src.Queue != nil {
		st := c.src.Queue()
		gauge(c.queueDepth, float64(st.Depth))
		counter(c.queueDropped, st.Dropped)
	}
	if c.src.Persist != nil {
		st := c.src.Persist()
		counter(c.saves, st.Saves)
		counter(c.saveFailures, st.Failures)
		gauge(c.lastSave, float64(st.LastSaveUnix))
		gauge(c.lastSaveBytes, float64(st.LastBytes))
	}
	if c.src.Peers != nil {
		gauge(c.peers, float64(c.src.Peers()))
	}
	for name, fn := range c.src.Counters {
		counter(c.extra[name], fn())
	}
}
