package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/zoravur/catalogcore/walwatch"
)

func main() {
	b := walwatch.NewBroadcaster()
	cfg := walwatch.Config{
		ConnString: "host=" + getenv("PGHOST", "localhost") +
			" port=" + getenv("PGPORT", "5432") +
			" user=" + getenv("PGUSER", "postgres") +
			" password=" + getenv("PGPASSWORD", "pass") +
			" dbname=" + getenv("PGDATABASE", "postgres") +
			" replication=database",
		SlotName: getenv("WALWATCH_SLOT", "catalogcore_lsn_slot"),
	}
	watcher := walwatch.NewWatcher(cfg, b)

	ctx, cancel := context.WithCancel(context.Background())
	go watcher.Run(ctx)

	go startTCPServer(b, getenv("WALWATCH_ADDR", ":9100"))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()
}

func startTCPServer(b *walwatch.Broadcaster, addr string) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("walwatch: listen on %s: %v", addr, err)
	}
	defer l.Close()
	log.Printf("walwatch: serving LSN progress on %s", addr)

	for {
		conn, err := l.Accept()
		if err != nil {
			log.Printf("walwatch: accept: %v", err)
			continue
		}
		go handleClient(conn, b)
	}
}

func handleClient(c net.Conn, b *walwatch.Broadcaster) {
	defer c.Close()
	messages := make(chan []byte, 16)
	b.AddListener(messages)
	defer b.RemoveListener(messages)

	for msg := range messages {
		if _, err := c.Write(append(msg, '\n')); err != nil {
			return
		}
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
