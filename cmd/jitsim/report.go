package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/xlab/treeprint"

	"github.com/colorfulnotion/tierjit/sim"
)

func pct(n, d uint64) float64 {
	if d == 0 {
		return 0
	}
	return 100 * float64(n) / float64(d)
}

// reportTree renders a run report for the terminal.
func reportTree(rep sim.Report) treeprint.Tree {
	tree := treeprint.New()
	tree.SetValue(fmt.Sprintf("\033[1;34mjitsim\033[0m %d steps in %v", rep.Steps, rep.Elapsed))

	exec := tree.AddBranch("execution")
	exec.AddNode(fmt.Sprintf("jit steps: %d (%.1f%%)", rep.JitSteps, pct(rep.JitSteps, rep.Steps)))
	exec.AddNode(fmt.Sprintf("interpreted steps: %d", rep.InterpSteps))
	exec.AddNode(fmt.Sprintf("retired instructions: %d", rep.Retired))
	exec.AddNode(rep.CPU)

	cache := tree.AddBranch("code cache")
	cache.AddNode(fmt.Sprintf("blocks: %d / %d", rep.Runtime.CacheLen, rep.Runtime.CacheMaxBlocks))
	cache.AddNode(fmt.Sprintf("bytes: %d", rep.Runtime.CacheBytes))
	cache.AddNode(fmt.Sprintf("table slots live: %d", rep.TableLive))
	m := rep.Metrics
	cache.AddNode(fmt.Sprintf("hits: %d misses: %d (hit rate %.1f%%)", m.CacheHits, m.CacheMisses, 100*m.HitRate()))
	cache.AddNode(fmt.Sprintf("installs: %d evictions: %d", m.Installs, m.Evictions))

	smc := tree.AddBranch("self-modifying code")
	smc.AddNode(fmt.Sprintf("cpu writes: %d device writes: %d", rep.SMCWrites, rep.DMAWrites))
	smc.AddNode(fmt.Sprintf("invalidations: %d", m.Invalidations))
	smc.AddNode(fmt.Sprintf("stale installs rejected: %d", m.StaleInstallRejects))
	smc.AddNode(fmt.Sprintf("tracked pages: %d write log overflows: %d", rep.Runtime.TrackedPages, rep.WriteLogOverflows))

	hot := tree.AddBranch("hotness")
	hot.AddNode(fmt.Sprintf("tracked: %d threshold: %d", rep.Runtime.HotnessLen, rep.Runtime.HotThreshold))
	hot.AddNode(fmt.Sprintf("compile requests: %d pending: %d", m.CompileRequests, rep.Runtime.PendingCompile))

	c := rep.Compiler
	comp := tree.AddBranch("compiler")
	comp.AddNode(fmt.Sprintf("dispatched: %d compiled: %d failed: %d", c.Dispatched, c.Compiled, c.CompileFailed))
	comp.AddNode(fmt.Sprintf("installed: %d rejected: %d", c.Installed, c.Rejected))
	comp.AddNode(fmt.Sprintf("dropped: queue full %d, oversize %d, undecodable %d", c.QueueFull, c.Oversize, c.DiscoverFailed))
	comp.AddNode(fmt.Sprintf("decode cache: %d blocks, %d hits, %d misses, %d stale", rep.Decode.Len, rep.Decode.Hits, rep.Decode.Misses, rep.Decode.Stale))
	return tree
}

// writeChart renders the run samples and the compile outcomes as an HTML page.
func writeChart(path string, samples []sim.Sample, rep sim.Report) error {
	steps := make([]string, len(samples))
	cached := make([]opts.LineData, len(samples))
	jitPct := make([]opts.LineData, len(samples))
	invalidated := make([]opts.LineData, len(samples))
	stale := make([]opts.LineData, len(samples))
	for i, smp := range samples {
		steps[i] = strconv.FormatUint(smp.Step, 10)
		cached[i] = opts.LineData{Value: smp.CacheLen}
		jitPct[i] = opts.LineData{Value: fmt.Sprintf("%.1f", 100*smp.JitRatio)}
		invalidated[i] = opts.LineData{Value: smp.Invalidations}
		stale[i] = opts.LineData{Value: smp.StaleRejects}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "Tiered execution",
			Subtitle: fmt.Sprintf("%d steps, %d cpu writes, %d device writes", rep.Steps, rep.SMCWrites, rep.DMAWrites),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "step"}),
	)
	line.SetXAxis(steps).
		AddSeries("cached blocks", cached).
		AddSeries("jit %", jitPct).
		AddSeries("invalidations", invalidated).
		AddSeries("stale rejects", stale)

	c := rep.Compiler
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Compile requests"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis([]string{"dispatched", "compiled", "installed", "rejected", "failed", "queue full", "oversize"}).
		AddSeries("jobs", []opts.BarData{
			{Value: c.Dispatched}, {Value: c.Compiled}, {Value: c.Installed}, {Value: c.Rejected},
			{Value: c.CompileFailed}, {Value: c.QueueFull}, {Value: c.Oversize},
		})

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	page := components.NewPage()
	page.AddCharts(line, bar)
	return page.Render(f)
}
