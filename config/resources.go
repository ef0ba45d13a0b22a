package config

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/mem"
)

// Resources describes the admission limits derived from the host at boot.
type Resources struct {
	ExportConcurrency      int
	TranscribeConcurrency  int
	RenderConcurrency      int
	FFmpegThreadsPerExport int
}

// DeriveResources computes the admission limits of the two heavyweight queues
// from CPU count and total memory, honoring explicit overrides. Each export
// job is budgeted ExportMemoryPerJobMB with ExportMemoryReserveMB held back
// for the rest of the process.
func DeriveResources(cli Cli) Resources {
	cpus := runtime.NumCPU()

	exports := cli.ExportConcurrency
	if exports <= 0 {
		exports = autoExportConcurrency(cli, cpus, totalMemoryMB())
	}

	threads := 1
	if cli.ExportMaxConcurrency > 0 {
		threads = cpus / cli.ExportMaxConcurrency
	}
	if threads < 1 {
		threads = 1
	}

	transcribes := cli.TranscribeConcurrency
	if transcribes < 1 {
		transcribes = 1
	}
	renders := cli.RenderConcurrency
	if renders < 1 {
		renders = 1
	}

	return Resources{
		ExportConcurrency:      exports,
		TranscribeConcurrency:  transcribes,
		RenderConcurrency:      renders,
		FFmpegThreadsPerExport: threads,
	}
}

func autoExportConcurrency(cli Cli, cpus int, totalMB int) int {
	limit := cli.ExportMaxConcurrency
	if limit < 1 {
		limit = 1
	}

	if cli.ExportMemoryPerJobMB > 0 && totalMB > 0 {
		byMemory := (totalMB - cli.ExportMemoryReserveMB) / cli.ExportMemoryPerJobMB
		if byMemory < limit {
			limit = byMemory
		}
	}
	if cli.ExportCPUPerJob > 0 {
		byCPU := cpus / cli.ExportCPUPerJob
		if byCPU < limit {
			limit = byCPU
		}
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

func totalMemoryMB() int {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}
	return int(vm.Total / (1024 * 1024))
}
