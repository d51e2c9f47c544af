// Command nitra-server runs a bare HTTP/1.1 server on top of the nitra
// orchestration core, echoing the request method and path. It exists to
// exercise Server/FileConfig end-to-end; production embedders are expected
// to construct a nitra.Server directly with their own Processor.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nitra-http/nitra"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	addr := flag.String("addr", ":8080", "listen address, used when -config is not set")
	flag.Parse()

	var cfg nitra.ServerConfig
	if *configPath != "" {
		fc, err := nitra.LoadFileConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "nitra-server: loading config:", err)
			os.Exit(1)
		}
		cfg, err = fc.ToServerConfig(echoProcessor)
		if err != nil {
			fmt.Fprintln(os.Stderr, "nitra-server: building config:", err)
			os.Exit(1)
		}
	} else {
		cfg.Addr = *addr
		cfg.Processor = echoProcessor
		cfg.Logger, _ = nitra.NewLogger("info", "console", "")
	}

	srv, err := nitra.NewServer(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "nitra-server: assembling server:", err)
		os.Exit(1)
	}

	done, err := srv.Start()
	if err != nil {
		fmt.Fprintln(os.Stderr, "nitra-server: starting:", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sig:
		srv.Stop()
		<-done
	case err := <-done:
		if err != nil {
			fmt.Fprintln(os.Stderr, "nitra-server: stopped:", err)
			os.Exit(1)
		}
	}
}

func echoProcessor(ch *nitra.Channel) nitra.Control {
	resp := nitra.NewResponse(200)
	resp.SetField("Content-Type", "text/plain; charset=utf-8")
	body := fmt.Sprintf("%s %s\n", ch.Request().Method(), ch.Request().URI())
	resp.SetBody([]byte(body))
	ch.SetResponse(resp)
	return nitra.SendResponse
}
