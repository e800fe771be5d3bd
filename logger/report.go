package logger

import (
	"context"
	"runtime"
	"strings"
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
	errorsMarket   int64
	errorsTrade    int64
	warnsMarket    int64
	warnsTrade     int64
	barsReceived   int64
	ordersReceived int64
	eventsDropped  int64
	reconnects     int64
	pollCycles     int64
	channels       sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "trade") || strings.Contains(component, "order") {
		atomic.AddInt64(&warnsTrade, 1)
	} else if strings.Contains(component, "stream") || strings.Contains(component, "feed") {
		atomic.AddInt64(&warnsMarket, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "trade") || strings.Contains(component, "order") {
		atomic.AddInt64(&errorsTrade, 1)
	} else if strings.Contains(component, "stream") || strings.Contains(component, "feed") {
		atomic.AddInt64(&errorsMarket, 1)
	}
}

// IncrementBarReceived records one bar delivered by a push channel.
func IncrementBarReceived(size int) {
	atomic.AddInt64(&barsReceived, 1)
	recordChannel("market_ws", size)
}

// IncrementOrderReceived records one order update delivered by the
// trade-update channel or the polling fallback.
func IncrementOrderReceived(size int) {
	atomic.AddInt64(&ordersReceived, 1)
	recordChannel("trade_ws", size)
}

// IncrementEventDropped records one event lost to queue saturation.
func IncrementEventDropped() {
	atomic.AddInt64(&eventsDropped, 1)
}

// IncrementReconnect records one market stream reconnect attempt.
func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

// IncrementPollCycle records one completed REST polling pass.
func IncrementPollCycle(size int) {
	atomic.AddInt64(&pollCycles, 1)
	recordChannel("rest_poll", size)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport begins periodic logging of system and channel statistics until
// the context is cancelled.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
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

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_market":       atomic.LoadInt64(&errorsMarket),
		"errors_trade":        atomic.LoadInt64(&errorsTrade),
		"warns_market":        atomic.LoadInt64(&warnsMarket),
		"warns_trade":         atomic.LoadInt64(&warnsTrade),
		"bars_received":       atomic.LoadInt64(&barsReceived),
		"orders_received":     atomic.LoadInt64(&ordersReceived),
		"events_dropped":      atomic.LoadInt64(&eventsDropped),
		"reconnects":          atomic.LoadInt64(&reconnects),
		"poll_cycles":         atomic.LoadInt64(&pollCycles),
		"cw_publish_failures": atomic.LoadInt64(&cwPublishFailures),
		"goroutines":          runtime.NumGoroutine(),
		"cpu_percent":         cpuPct,
		"memory_mb":           int64(memStats.Used) / 1024 / 1024,
		"disk_mb":             int64(diskStats.Used) / 1024 / 1024,
		"channels":            channelData,
		"net_bytes_sent":      int64(bytesSent),
		"net_bytes_recv":      int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsMarket"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_market"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsTrade"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_trade"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsMarket"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_market"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsTrade"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_trade"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("BarsReceived"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["bars_received"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("OrdersReceived"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["orders_received"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("EventsDropped"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["events_dropped"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Reconnects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["reconnects"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("PollCycles"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["poll_cycles"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
