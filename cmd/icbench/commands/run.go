package commands

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/PeernetOfficial/interconnect"
)

const benchMotion = 1

var (
	routes    int
	chunks    int
	chunkSize int
	loss      float64
	flow      string
	virtual   bool
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().IntVarP(&routes, "routes", "r", 2, "number of receiving services")
	runCmd.Flags().IntVarP(&chunks, "chunks", "n", 1000, "chunks sent to every route")
	runCmd.Flags().IntVarP(&chunkSize, "chunk-size", "b", 512, "chunk data bytes, at least 16")
	runCmd.Flags().Float64Var(&loss, "loss", 0, "drop probability per datagram, virtual network only")
	runCmd.Flags().StringVar(&flow, "flow", "", "flow control policy: capacity or loss")
	runCmd.Flags().BoolVar(&virtual, "virtual", false, "use the in-memory network instead of loopback UDP")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Streams chunks from one sender to several receivers and verifies ordering",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if flow != "" {
			cfg.FlowControl = interconnect.FlowControl(flow)
		}
		if chunkSize < 16 || chunkSize > cfg.MaxPacketSize-interconnect.HeaderSize-interconnect.ChunkHeaderSize {
			return errors.Errorf("chunk-size %d outside [16, %d]", chunkSize, cfg.MaxPacketSize-interconnect.HeaderSize-interconnect.ChunkHeaderSize)
		}
		if loss > 0 && !virtual {
			log.Warn("--loss only applies to the virtual network")
		}

		var opts []interconnect.ServiceOption
		if virtual {
			vn := interconnect.NewVirtualNetwork()
			if loss > 0 {
				var mu sync.Mutex
				rng := rand.New(rand.NewSource(time.Now().UnixNano()))
				vn.SetFilter(func(_, _ net.Addr, _ []byte) bool {
					mu.Lock()
					defer mu.Unlock()
					return rng.Float64() >= loss
				})
			}
			opts = append(opts, interconnect.WithListenPacket(vn.ListenPacket))
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()
		return runBench(ctx, cfg, opts)
	},
}

func runBench(ctx context.Context, cfg *interconnect.Config, opts []interconnect.ServiceOption) error {
	sender, err := interconnect.NewService(cfg, opts...)
	if err != nil {
		return err
	}
	defer sender.Close()
	if err := sender.Start(); err != nil {
		return err
	}

	receivers := make([]*interconnect.Service, routes)
	peers := make([]interconnect.PeerDesc, routes)
	for i := range receivers {
		r, err := interconnect.NewService(cfg, opts...)
		if err != nil {
			return err
		}
		defer r.Close()
		if err := r.Start(); err != nil {
			return err
		}
		receivers[i] = r
		peers[i] = interconnect.PeerDesc{ContentID: int32(i), PID: int32(100 + i), Addr: r.ListenAddr()}
	}

	const session, instance = 1, 1
	start := time.Now()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result *multierror.Error
	)
	for i, r := range receivers {
		wg.Add(1)
		go func(route int, svc *interconnect.Service) {
			defer wg.Done()
			if err := receive(ctx, svc, route, session, instance); err != nil {
				mu.Lock()
				result = multierror.Append(result, errors.Wrapf(err, "receiver %d", route))
				mu.Unlock()
			}
		}(i, r)
	}

	if err := send(ctx, sender, peers, session, instance); err != nil {
		mu.Lock()
		result = multierror.Append(result, errors.Wrap(err, "sender"))
		mu.Unlock()
	}
	wg.Wait()
	elapsed := time.Since(start)

	if err := result.ErrorOrNil(); err != nil {
		return err
	}

	total := float64(routes * chunks * chunkSize)
	log.WithFields(log.Fields{
		"routes":  routes,
		"chunks":  chunks,
		"elapsed": elapsed,
		"MB/s":    fmt.Sprintf("%.2f", total/elapsed.Seconds()/1e6),
	}).Info("all chunks delivered in order")

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', 0)
	printStats(w, "sender", sender.Stats())
	for i, r := range receivers {
		printStats(w, fmt.Sprintf("receiver-%d", i), r.Stats())
	}
	return w.Flush()
}

func send(ctx context.Context, svc *interconnect.Service, peers []interconnect.PeerDesc, session, instance uint32) error {
	t, err := svc.Setup(ctx, &interconnect.QueryDesc{
		SessionID:      session,
		InstanceID:     instance,
		LocalContentID: -1,
		LocalPID:       1,
		Send: []interconnect.MotionDesc{{
			MotNodeID:      benchMotion,
			SendSliceIndex: 1,
			RecvSliceIndex: 0,
			Routes:         peers,
		}},
	})
	if err != nil {
		return err
	}
	hadErrors := true
	defer func() { t.Teardown(hadErrors) }()

	data := make([]byte, chunkSize)
	for i := 0; i < chunks; i++ {
		for route := range peers {
			binary.LittleEndian.PutUint64(data[0:], uint64(route))
			binary.LittleEndian.PutUint64(data[8:], uint64(i))
			if _, err := t.SendChunk(ctx, benchMotion, route, interconnect.Chunk{Type: interconnect.ChunkWhole, Data: data}); err != nil {
				return err
			}
		}
	}
	if err := t.SendEOS(ctx, benchMotion, interconnect.Chunk{Type: interconnect.ChunkEndOfStream}); err != nil {
		return err
	}
	hadErrors = false
	return nil
}

func receive(ctx context.Context, svc *interconnect.Service, route int, session, instance uint32) error {
	t, err := svc.Setup(ctx, &interconnect.QueryDesc{
		SessionID:      session,
		InstanceID:     instance,
		LocalContentID: int32(route),
		LocalPID:       int32(100 + route),
		Recv: []interconnect.MotionDesc{{
			MotNodeID:      benchMotion,
			SendSliceIndex: 1,
			RecvSliceIndex: 0,
			Routes:         []interconnect.PeerDesc{{ContentID: -1, PID: 1}},
		}},
	})
	if err != nil {
		return err
	}
	hadErrors := true
	defer func() { t.Teardown(hadErrors) }()

	next := uint64(0)
	for {
		d, err := t.RecvChunk(ctx, benchMotion, interconnect.AnyRoute)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		for _, c := range d.Chunks {
			if c.Type == interconnect.ChunkEndOfStream {
				continue
			}
			if len(c.Data) != chunkSize {
				return errors.Errorf("chunk %d has %d bytes", next, len(c.Data))
			}
			gotRoute := binary.LittleEndian.Uint64(c.Data[0:])
			got := binary.LittleEndian.Uint64(c.Data[8:])
			if gotRoute != uint64(route) || got != next {
				return errors.Errorf("expected chunk %d of route %d, got %d of route %d", next, route, got, gotRoute)
			}
			next++
		}
	}
	if next != uint64(chunks) {
		return errors.Errorf("received %d of %d chunks", next, chunks)
	}
	hadErrors = false
	return nil
}

func printStats(w io.Writer, name string, s interconnect.Snmp) {
	fmt.Fprintf(w, "%s\n", name)
	vals := s.ToSlice()
	for i, h := range s.Header() {
		fmt.Fprintf(w, "  %s\t%s\n", h, vals[i])
	}
}
