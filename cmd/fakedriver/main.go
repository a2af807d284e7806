package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"time"

	"github.com/phuslu/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type position struct {
	BusID string  `json:"bus_id"`
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
	Speed float64 `json:"speed"`
}

// fakedriver pushes random walk fixes for a handful of buses, one
// connection per bus.
func main() {
	url := flag.String("url", "ws://localhost:8080/driver", "relay driver endpoint")
	buses := flag.Int("buses", 3, "number of simulated buses")
	interval := flag.Duration("interval", time.Second, "time between fixes")
	lat := flag.Float64("lat", -6.2, "starting latitude")
	lng := flag.Float64("lng", 106.816666, "starting longitude")
	flag.Parse()

	done := make(chan struct{})
	for i := 0; i < *buses; i++ {
		p := position{BusID: fmt.Sprintf("sim-%d", i+1), Lat: *lat, Lng: *lng}
		go func() {
			drive(*url, p, *interval)
			done <- struct{}{}
		}()
	}
	for i := 0; i < *buses; i++ {
		<-done
	}
}

func drive(url string, p position, interval time.Duration) {
	logger := log.DefaultLogger
	logger.Context = log.NewContext(nil).Str("bus_id", p.BusID).Value()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	c, _, err := websocket.Dial(ctx, url, nil)
	cancel()
	if err != nil {
		logger.Error().Err(err).Msg("unable to connect")
		return
	}
	defer c.Close(websocket.StatusNormalClosure, "")

	t := time.NewTicker(interval)
	defer t.Stop()
	for range t.C {
		p.Lat += (rand.Float64() - 0.5) * 0.001
		p.Lng += (rand.Float64() - 0.5) * 0.001
		p.Speed = 20 + rand.Float64()*30
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := wsjson.Write(ctx, c, p)
		cancel()
		if err != nil {
			logger.Error().Err(err).Msg("write failed")
			return
		}
		logger.Debug().Float64("lat", p.Lat).Float64("lng", p.Lng).Msg("fix sent")
	}
}
