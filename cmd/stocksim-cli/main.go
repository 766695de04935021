package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"stocksim/internal/dashboard"
	"stocksim/pkg/stocksim"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: stocksim-cli [flags] <command> [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version                         Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  status                          Show the active session\n")
	fmt.Fprintf(os.Stderr, "  dates <stock> [YYYY-MM]         List days with orders\n")
	fmt.Fprintf(os.Stderr, "  load <stock> <date> <start> <end>  Prepare a session\n")
	fmt.Fprintf(os.Stderr, "  start                           Start playback\n")
	fmt.Fprintf(os.Stderr, "  stop                            Pause playback\n")
	fmt.Fprintf(os.Stderr, "  seek <index>                    Move the cursor\n")
	fmt.Fprintf(os.Stderr, "  speed <multiplier>              Change playback speed\n")
	fmt.Fprintf(os.Stderr, "  export [file]                   Download the session as CSV\n")
	fmt.Fprintf(os.Stderr, "  health                          Query the gRPC health service\n")
	fmt.Fprintf(os.Stderr, "\nFlags:\n")
	flag.PrintDefaults()
}

func main() {
	addr := flag.String("addr", envOr("STOCKSIM_ADDR", "http://localhost:8080"), "REST API base URL")
	grpcAddr := flag.String("grpc", envOr("STOCKSIM_GRPC_ADDR", "localhost:9090"), "gRPC address")
	replay := flag.Bool("replay", false, "load: keep positions when resetting the stock")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := stocksim.NewClient(*addr)
	var err error

	switch args[0] {
	case "version":
		fmt.Printf("stocksim-cli %s\n", version)

	case "status":
		var st *stocksim.Status
		if st, err = client.Status(ctx); err == nil {
			printStatus(st)
		}

	case "dates":
		if len(args) < 2 {
			fatalUsage("dates requires a stock id")
		}
		month := time.Now().Format("2006-01")
		if len(args) > 2 {
			month = args[2]
		}
		var dates []string
		if dates, err = client.Dates(ctx, args[1], month); err == nil {
			for _, d := range dates {
				fmt.Println(d)
			}
		}

	case "load":
		if len(args) < 5 {
			fatalUsage("load requires <stock> <date> <start> <end>")
		}
		var st *stocksim.Status
		st, err = client.Prepare(ctx, stocksim.PrepareRequest{
			StockID: args[1],
			Date:    args[2],
			Start:   args[3],
			End:     args[4],
			Replay:  *replay,
		})
		if err == nil {
			printStatus(st)
		}

	case "start":
		err = control(client.Start(ctx))

	case "stop":
		err = control(client.Stop(ctx))

	case "seek":
		if len(args) < 2 {
			fatalUsage("seek requires an index")
		}
		idx, perr := strconv.Atoi(args[1])
		if perr != nil {
			fatalUsage("seek index must be an integer")
		}
		err = control(client.Seek(ctx, idx))

	case "speed":
		if len(args) < 2 {
			fatalUsage("speed requires a multiplier")
		}
		m, perr := strconv.ParseFloat(args[1], 64)
		if perr != nil {
			fatalUsage("speed multiplier must be a number")
		}
		err = control(client.SetSpeed(ctx, m))

	case "export":
		out := os.Stdout
		if len(args) > 1 {
			f, ferr := os.Create(args[1])
			if ferr != nil {
				fatal(ferr)
			}
			defer f.Close()
			out = f
		}
		err = client.ExportCSV(ctx, out)

	case "health":
		err = health(ctx, *grpcAddr)

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		flag.Usage()
		os.Exit(1)
	}

	if err != nil {
		fatal(err)
	}
}

func control(st *stocksim.Status, err error) error {
	if err != nil {
		return err
	}
	printStatus(st)
	return nil
}

func printStatus(st *stocksim.Status) {
	if st.Session == nil {
		fmt.Println("no session loaded")
		return
	}
	s := st.Session
	p := st.Playback
	fmt.Printf("session   %s\n", s.ID)
	fmt.Printf("stock     %s\n", s.StockID)
	fmt.Printf("window    %s - %s\n", s.Start.Format(time.DateTime), s.End.Format(time.DateTime))
	fmt.Printf("progress  %s\n", dashboard.FormatProgress(p.Cursor, p.Len))
	fmt.Printf("speed     %s\n", dashboard.FormatSpeed(p.Speed))
	state := "stopped"
	switch {
	case p.Finished:
		state = "finished"
	case p.Running:
		state = "running, next in " + dashboard.FormatDelay(p.NextDelay)
	}
	fmt.Printf("state     %s\n", state)
	if ev := p.Current; ev != nil {
		fmt.Printf("current   #%s %s %s @ %s\n", ev.ID, ev.Side,
			dashboard.FormatVolume(ev.Volume), dashboard.FormatPrice(ev.Price))
	}
	if d := st.Dispatch; d != nil {
		fmt.Printf("dispatch  ok=%s failed=%s rejected=%s dropped=%s queued=%d\n",
			dashboard.FormatInt(int(d.Succeeded)), dashboard.FormatInt(int(d.Failed)),
			dashboard.FormatInt(int(d.Rejected)), dashboard.FormatInt(int(d.Dropped)), d.Queued)
	}
}

func health(ctx context.Context, addr string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	for _, service := range []string{"", "stocksim.playback"} {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			return fmt.Errorf("checking %q: %w", service, err)
		}
		out, err := protojson.Marshal(resp)
		if err != nil {
			return err
		}
		name := service
		if name == "" {
			name = "server"
		}
		fmt.Printf("%-18s %s\n", name, out)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func fatalUsage(msg string) {
	fmt.Fprintf(os.Stderr, "%s\n\n", msg)
	flag.Usage()
	os.Exit(2)
}

func fatal(err error) {
	var apiErr *stocksim.APIError
	if errors.As(err, &apiErr) {
		fmt.Fprintf(os.Stderr, "server error (%d): %s\n", apiErr.StatusCode, apiErr.Message)
	} else {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(1)
}
