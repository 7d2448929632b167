// Command accessctl_logger records the simulator's status stream in InfluxDB.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const measurement = "accessctl.status"

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	_ = godotenv.Load()
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	server := getenv("INFLUX_SERVER", "http://localhost:9999")
	client := influxdb2.NewClient(server, os.Getenv("INFLUX_TOKEN"))
	defer client.Close()
	// Non-blocking write client
	writeApi := client.WriteApi(getenv("INFLUX_ORG", "w1xm"), getenv("INFLUX_BUCKET", "accessctl.raw"))
	defer writeApi.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		errorsCh := writeApi.Errors()
		for {
			select {
			case <-ctx.Done():
				return nil
			case err, ok := <-errorsCh:
				if !ok {
					return nil
				}
				log.WithError(err).Warn("write error")
			}
		}
	})
	g.Go(func() error {
		url := getenv("ACCESSCTL_ADDRESS", "ws://localhost:8502/api/ws")
		for {
			if err := logData(ctx, url, writeApi); err != nil {
				log.WithError(err).WithField("url", url).Warn("status stream")
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(1 * time.Second):
			}
		}
	})
	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}
}

func flattenStatus(fields map[string]interface{}, status interface{}, prefix string) {
	switch status := status.(type) {
	case map[string]interface{}:
		for k, v := range status {
			flattenStatus(fields, v, prefix+"."+k)
		}
	case []interface{}:
		for k, v := range status {
			flattenStatus(fields, v, fmt.Sprintf("%s.%d", prefix, k))
		}
	default:
		fields[prefix[1:]] = status
	}
}

// splitTags moves the device identification into point tags.
func splitTags(fields map[string]interface{}) map[string]string {
	tags := make(map[string]string)
	for k, v := range fields {
		if s, ok := v.(string); ok {
			tags[k] = s
			delete(fields, k)
		}
	}
	return tags
}

// closeOnCancel closes c once ctx is done. The returned function ends the
// watch and waits for it to exit.
func closeOnCancel(ctx context.Context, c io.Closer) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			c.Close()
		case <-done:
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

func logData(ctx context.Context, url string, writeApi api.WriteApi) error {
	defer writeApi.Flush()
	var dialer websocket.Dialer
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer closeOnCancel(ctx, conn)()
	log.WithField("url", url).Info("connected")
	for {
		var status interface{}
		if err := conn.ReadJSON(&status); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fields := make(map[string]interface{})
		flattenStatus(fields, status, "")
		tags := splitTags(fields)

		p := influxdb2.NewPoint(measurement, tags, fields, time.Now())
		// write asynchronously
		writeApi.WritePoint(p)
	}
}
