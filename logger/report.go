package logger

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	componentErrors sync.Map // map[string]*int64
	componentWarns  sync.Map // map[string]*int64
	channels        sync.Map // map[string]*channelStat

	sourcesMu sync.RWMutex
	sources   = map[string]func() Fields{}
)

func bump(m *sync.Map, component string) {
	v, _ := m.LoadOrStore(component, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func recordWarn(component string) {
	bump(&componentWarns, component)
}

func recordError(component string) {
	bump(&componentErrors, component)
}

// RecordChannelMessage counts one message of the given size on a named channel.
func RecordChannelMessage(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// RegisterReportFields adds a named source of fields to every runtime report.
// Registering the same name again replaces the previous source.
func RegisterReportFields(name string, fn func() Fields) {
	sourcesMu.Lock()
	defer sourcesMu.Unlock()
	if fn == nil {
		delete(sources, name)
		return
	}
	sources[name] = fn
}

func snapshotCounters(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

func registeredFields() map[string]Fields {
	sourcesMu.RLock()
	defer sourcesMu.RUnlock()
	out := make(map[string]Fields, len(sources))
	for name, fn := range sources {
		out[name] = fn()
	}
	return out
}

// StartReport begins periodic logging of system, channel and component statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func buildReport() Fields {
	cpuPercent, _ := cpu.Percent(0, false)
	netStats, _ := gnet.IOCounters(false)

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		channelData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	var bytesSent, bytesRecv uint64
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	var memoryMB, diskMB int64
	if memStats, err := mem.VirtualMemory(); err == nil {
		memoryMB = int64(memStats.Used) / 1024 / 1024
	}
	if diskStats, err := disk.Usage("/"); err == nil {
		diskMB = int64(diskStats.Used) / 1024 / 1024
	}

	fields := Fields{
		"errors":         snapshotCounters(&componentErrors),
		"warns":          snapshotCounters(&componentWarns),
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      memoryMB,
		"disk_mb":        diskMB,
		"channels":       channelData,
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
	}
	for name, extra := range registeredFields() {
		fields[name] = extra
	}
	return fields
}

func logReport(ctx context.Context, log *Log) {
	fields := buildReport()
	log.WithComponent("report").WithFields(fields).Info("runtime report")
	publishMetrics(ctx, reportMetrics(fields))
}

func reportMetrics(fields Fields) []cwtypes.MetricDatum {
	gauge := func(name string, unit cwtypes.StandardUnit, v float64) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{MetricName: aws.String(name), Unit: unit, Value: aws.Float64(v)}
	}

	data := []cwtypes.MetricDatum{
		gauge("CPUPercent", cwtypes.StandardUnitPercent, fields["cpu_percent"].(float64)),
		gauge("MemoryMB", cwtypes.StandardUnitMegabytes, float64(fields["memory_mb"].(int64))),
		gauge("DiskMB", cwtypes.StandardUnitMegabytes, float64(fields["disk_mb"].(int64))),
		gauge("Goroutines", cwtypes.StandardUnitCount, float64(fields["goroutines"].(int))),
		gauge("NetBytesSent", cwtypes.StandardUnitBytes, float64(fields["net_bytes_sent"].(int64))),
		gauge("NetBytesRecv", cwtypes.StandardUnitBytes, float64(fields["net_bytes_recv"].(int64))),
	}

	perComponent := func(metric string, counts map[string]int64) {
		names := make([]string, 0, len(counts))
		for name := range counts {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			d := gauge(metric, cwtypes.StandardUnitCount, float64(counts[name]))
			d.Dimensions = []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(name)}}
			data = append(data, d)
		}
	}
	perComponent("Errors", fields["errors"].(map[string]int64))
	perComponent("Warnings", fields["warns"].(map[string]int64))

	for name, stats := range fields["channels"].(map[string]map[string]int64) {
		dim := []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}}
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dim,
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: dim,
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}
	return data
}
