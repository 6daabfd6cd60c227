package machine

import "time"

const (
	// RAMBlock and VRAMBlock are the block names the demo guest registers.
	RAMBlock  = "pc.ram"
	VRAMBlock = "vga.vram"

	MinMemSize = 1 << 20

	// pagesPerBatch pages are written by a vCPU per time slice.
	pagesPerBatch = 16
	slice         = time.Millisecond

	// A vCPU logs a console line every consoleEvery writes; the last
	// consoleLines lines are kept.
	consoleEvery = 1 << 14
	consoleLines = 64
)
