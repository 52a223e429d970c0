// Package console runs the interactive query loop on stdin/stdout.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"bookmirror/logger"
	"bookmirror/orderbook"
	"bookmirror/reader/coinbase"
	"bookmirror/writer"
)

const prompt = "Choose operation [bestbid, bestask, mid, spread, fullbook, status, export, quit], confirm with return:"

type FeedStatus interface {
	Status() coinbase.Status
}

type BookExporter interface {
	Export(ctx context.Context, instrument string, depth orderbook.Depth) (writer.ExportResult, error)
}

// Console answers operator queries against the shared book. Feed and Exporter may be nil.
type Console struct {
	in         io.Reader
	out        io.Writer
	instrument string
	book       *orderbook.Shared
	feed       FeedStatus
	exporter   BookExporter
	log        *logger.Log
}

func New(in io.Reader, out io.Writer, instrument string, book *orderbook.Shared, feed FeedStatus, exporter BookExporter) *Console {
	return &Console{
		in:         in,
		out:        out,
		instrument: instrument,
		book:       book,
		feed:       feed,
		exporter:   exporter,
		log:        logger.GetLogger(),
	}
}

// Run prompts for commands until quit, end of input or ctx is done.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
		close(lines)
	}()

	for {
		fmt.Fprintln(c.out, prompt)

		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(c.out, "Quitting...")
				return <-errc
			}
			line = strings.TrimSpace(l)
		}

		if line == "quit" {
			fmt.Fprintln(c.out, "Quitting...")
			return nil
		}
		c.Execute(ctx, line)
	}
}

// Execute runs a single command and writes its answer.
func (c *Console) Execute(ctx context.Context, cmd string) {
	switch cmd {
	case "bestbid":
		q := c.book.Top()
		if !q.HasBid {
			fmt.Fprintln(c.out, "Empty bid book")
			return
		}
		fmt.Fprintf(c.out, "Best bid price %s with size %s\n", q.Bid.Price, q.Bid.Size)
	case "bestask":
		q := c.book.Top()
		if !q.HasAsk {
			fmt.Fprintln(c.out, "Empty ask book")
			return
		}
		fmt.Fprintf(c.out, "Best ask price %s with size %s\n", q.Ask.Price, q.Ask.Size)
	case "mid":
		var line string
		c.book.WithRead(func(b *orderbook.Book) {
			if mid, ok := b.MidPrice(); ok {
				line = "Mid price " + mid.String()
			} else {
				line = "Mid price undefined"
			}
		})
		fmt.Fprintln(c.out, line)
	case "spread":
		var (
			spread float64
			ok     bool
		)
		c.book.WithRead(func(b *orderbook.Book) { spread, ok = b.Spread() })
		if !ok {
			fmt.Fprintln(c.out, "Spread undefined")
			return
		}
		fmt.Fprintf(c.out, "Spread %.4f%%\n", spread*100)
	case "fullbook":
		c.printFullBook(c.book.Dump())
	case "status":
		c.printStatus()
	case "export":
		c.export(ctx)
	default:
		fmt.Fprintf(c.out, "Invalid option: '%s'\n", cmd)
	}
}

func (c *Console) printFullBook(d orderbook.Depth) {
	fmt.Fprintln(c.out, "bids:\n--------------------------------")
	fmt.Fprintln(c.out, "Price\tSize")
	for _, l := range d.Bids {
		fmt.Fprintf(c.out, "%s\t%s\n", l.Price, l.Size)
	}
	fmt.Fprintln(c.out, "\nasks:\n--------------------------------")
	fmt.Fprintln(c.out, "Price\tSize")
	for _, l := range d.Asks {
		fmt.Fprintf(c.out, "%s\t%s\n", l.Price, l.Size)
	}
}

func (c *Console) printStatus() {
	var bids, asks int
	c.book.WithRead(func(b *orderbook.Book) {
		bids, asks = b.Len(orderbook.Bid), b.Len(orderbook.Ask)
	})
	fmt.Fprintf(c.out, "Instrument %s: %d bid levels, %d ask levels\n", c.instrument, bids, asks)
	if c.feed == nil {
		return
	}
	s := c.feed.Status()
	fmt.Fprintf(c.out, "Feed %s since %s", s.State, s.Since.Format("15:04:05"))
	if s.Error != "" {
		fmt.Fprintf(c.out, " (%s)", s.Error)
	}
	fmt.Fprintln(c.out)
	if s.State == coinbase.StateDisconnected.String() {
		fmt.Fprintln(c.out, "Feed disconnected: book is no longer updated")
	}
}

func (c *Console) export(ctx context.Context) {
	if c.exporter == nil {
		fmt.Fprintln(c.out, "Export is disabled")
		return
	}
	res, err := c.exporter.Export(ctx, c.instrument, c.book.Dump())
	if err != nil {
		c.log.WithComponent("console").WithError(err).Warn("export failed")
		fmt.Fprintf(c.out, "Export failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Exported %d levels to %s\n", res.Rows, res.Location)
}
