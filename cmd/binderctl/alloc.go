package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joshuapare/binderkit/binder/rangealloc"
)

var (
	allocSize int
	allocFree []int
	allocPID  int32
)

func init() {
	cmd := newAllocCmd()
	cmd.Flags().IntVar(&allocSize, "size", 0, "Buffer size in bytes (default BINDER_BUFFER_SIZE)")
	cmd.Flags().IntSliceVar(&allocFree, "free", nil, "Indexes of reservations to free afterwards")
	cmd.Flags().Int32Var(&allocPID, "pid", 1, "Sender pid recorded on each reservation")
	rootCmd.AddCommand(cmd)
}

func newAllocCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "alloc <size>...",
		Short: "Replay a sequence of buffer reservations",
		Long: `The alloc command reserves each size in order from a fresh transaction
buffer, then frees the reservations named by --free and prints the resulting
extents. Prefix a size with "o" to make it a oneway reservation, which also
draws on the oneway budget.

Example:
  binderctl alloc 128 o96 o96 4096
  binderctl alloc --size 8192 4096 4096 --free 0
  binderctl alloc o200 o200 --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAlloc(args)
		},
	}
}

type allocRequest struct {
	Size   int
	Oneway bool
}

// parseAllocRequests turns "128" and "o128" style arguments into requests.
func parseAllocRequests(args []string) ([]allocRequest, error) {
	out := make([]allocRequest, 0, len(args))
	for _, arg := range args {
		var req allocRequest
		s := arg
		if rest, ok := strings.CutPrefix(strings.ToLower(s), "o"); ok {
			req.Oneway = true
			s = rest
		}
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid size %q", arg)
		}
		req.Size = n
		out = append(out, req)
	}
	return out, nil
}

type allocResult struct {
	Index  int    `json:"index"`
	Size   int    `json:"size"`
	Oneway bool   `json:"oneway,omitempty"`
	Offset int    `json:"offset"`
	Spam   bool   `json:"spam,omitempty"`
	Error  string `json:"error,omitempty"`
}

type allocFreed struct {
	Index     int `json:"index"`
	StartPage int `json:"start_page"`
	EndPage   int `json:"end_page"`
}

type allocReport struct {
	Size            int                 `json:"size"`
	Reservations    []allocResult       `json:"reservations"`
	Freed           []allocFreed        `json:"freed,omitempty"`
	Extents         []rangealloc.Extent `json:"extents"`
	Buffers         int                 `json:"buffers"`
	FreeOnewaySpace int                 `json:"free_oneway_space"`
}

// replayAlloc runs reqs against a new allocator of the given size. Failed
// reservations are recorded and skipped; freeing one is an error.
func replayAlloc(size, pageSize int, pid int32, reqs []allocRequest, free []int) (*allocReport, error) {
	a, err := rangealloc.New[int](size, &rangealloc.Options{
		PageSize:         pageSize,
		SpamMaxBuffers:   cfg.Spam.MaxBuffers,
		SpamBytesDivisor: cfg.Spam.BytesDivisor,
		LowSpaceDivisor:  cfg.Spam.LowSpaceDivisor,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	report := &allocReport{Size: size}
	for i, req := range reqs {
		res := allocResult{Index: i, Size: req.Size, Oneway: req.Oneway, Offset: -1}
		off, spam, err := a.ReserveNew(rangealloc.ReserveNewArgs[int]{
			Size:     req.Size,
			Oneway:   req.Oneway,
			PID:      pid,
			DebugID:  uint64(i + 1),
			Prealloc: rangealloc.NewPrealloc[int](),
		})
		if err != nil {
			res.Error = err.Error()
		} else {
			res.Offset = off
			res.Spam = spam
			if err := a.ReservationCommit(off, i); err != nil {
				return nil, err
			}
		}
		report.Reservations = append(report.Reservations, res)
	}

	for _, idx := range free {
		if idx < 0 || idx >= len(report.Reservations) {
			return nil, fmt.Errorf("--free %d: no such reservation", idx)
		}
		res := report.Reservations[idx]
		if res.Offset < 0 {
			return nil, fmt.Errorf("--free %d: reservation failed: %s", idx, res.Error)
		}
		if _, _, _, err := a.ReserveExisting(res.Offset); err != nil {
			return nil, fmt.Errorf("--free %d: %w", idx, err)
		}
		fr, err := a.ReservationAbort(res.Offset)
		if err != nil {
			return nil, fmt.Errorf("--free %d: %w", idx, err)
		}
		report.Freed = append(report.Freed, allocFreed{Index: idx, StartPage: fr.StartPage, EndPage: fr.EndPage})
	}

	report.Extents = a.Extents()
	report.Buffers = a.CountBuffers()
	report.FreeOnewaySpace = a.FreeOnewaySpace()
	return report, nil
}

func runAlloc(args []string) error {
	reqs, err := parseAllocRequests(args)
	if err != nil {
		return err
	}
	size := allocSize
	if size == 0 {
		size = cfg.Buffer.Size
	}
	report, err := replayAlloc(size, cfg.Buffer.PageSize, allocPID, reqs, allocFree)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(report)
	}

	printHeader("Reservations")
	rows := make([][]string, 0, len(report.Reservations))
	for _, r := range report.Reservations {
		kind := "sync"
		if r.Oneway {
			kind = "oneway"
		}
		offset := render(mutedStyle, "-")
		note := ""
		switch {
		case r.Error != "":
			note = render(warnStyle, r.Error)
		case r.Spam:
			note = render(warnStyle, "spam suspect")
		}
		if r.Offset >= 0 {
			offset = strconv.Itoa(r.Offset)
		}
		rows = append(rows, []string{strconv.Itoa(r.Index), kind, printer.Sprintf("%d", r.Size), offset, note})
	}
	printInfo("%s\n", table([]string{"#", "KIND", "SIZE", "OFFSET", ""}, rows))

	for _, f := range report.Freed {
		if f.StartPage < f.EndPage {
			printVerbose("Freed #%d, pages %d-%d released\n", f.Index, f.StartPage, f.EndPage-1)
		} else {
			printVerbose("Freed #%d, no whole page released\n", f.Index)
		}
	}

	printHeader("Extents")
	extRows := make([][]string, 0, len(report.Extents))
	for _, e := range report.Extents {
		state := render(okStyle, e.State.String())
		if e.State != rangealloc.StateFree {
			state = render(warnStyle, e.State.String())
		}
		extRows = append(extRows, []string{
			printer.Sprintf("%d", e.Offset),
			printer.Sprintf("%d", e.Size),
			state,
			strconv.FormatBool(e.Oneway),
		})
	}
	printInfo("%s\n", table([]string{"OFFSET", "SIZE", "STATE", "ONEWAY"}, extRows))
	printInfo("Buffers in use: %d, free oneway space: %d of %d bytes\n",
		report.Buffers, report.FreeOnewaySpace, report.Size/2)
	return nil
}
