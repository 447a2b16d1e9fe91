// Command loadtest floods a portal with RandomActivities and, with -wait,
// follows them until the dispatchers have finished them.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cbrain/controlplane/internal/activity"
	"github.com/cbrain/controlplane/internal/models"
	"github.com/cbrain/controlplane/internal/netutils"
)

type options struct {
	url         string
	token       string
	resourceID  int64
	total       int
	concurrency int
	countOK     int
	countFail   int
	maxItemSecs int
	wait        time.Duration
}

type created struct {
	id      int64
	latency time.Duration
}

type loadTest struct {
	opts   options
	client *http.Client

	mu      sync.Mutex
	done    []created
	refused int
}

func main() {
	var o options
	flag.StringVar(&o.url, "url", "http://localhost:8090", "portal URL")
	flag.StringVar(&o.token, "token", os.Getenv("CBRAIN_TOKEN"), "admin bearer token")
	flag.Int64Var(&o.resourceID, "resource", 0, "resource that runs the activities (0 = the portal)")
	flag.IntVar(&o.total, "n", 100, "activities to create")
	flag.IntVar(&o.concurrency, "c", 10, "concurrent requests")
	flag.IntVar(&o.countOK, "ok", 3, "succeeding items per activity")
	flag.IntVar(&o.countFail, "fail", 1, "failing items per activity")
	flag.IntVar(&o.maxItemSecs, "maxtime", 2, "max seconds spent per item")
	flag.DurationVar(&o.wait, "wait", 0, "follow the activities until final or this long has passed")
	flag.Parse()

	lt := &loadTest{opts: o, client: netutils.NewClient(10*time.Second, true)}
	ctx := context.Background()

	fmt.Printf("Creating %d RandomActivities on %s (%d at a time)\n", o.total, o.url, o.concurrency)
	start := time.Now()
	lt.create(ctx)
	elapsed := time.Since(start)
	lt.reportCreation(elapsed)

	if o.wait > 0 && len(lt.done) > 0 {
		lt.follow(ctx)
	}
}

func (lt *loadTest) create(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(lt.opts.concurrency)
	for i := 0; i < lt.opts.total; i++ {
		g.Go(func() error {
			t0 := time.Now()
			id, err := lt.createOne(ctx)
			lt.mu.Lock()
			defer lt.mu.Unlock()
			if err != nil {
				lt.refused++
				if lt.refused <= 10 {
					fmt.Fprintf(os.Stderr, "create #%d: %v\n", i, err)
				}
				return nil
			}
			lt.done = append(lt.done, created{id: id, latency: time.Since(t0)})
			return nil
		})
	}
	g.Wait()
}

func (lt *loadTest) createOne(ctx context.Context) (int64, error) {
	body, err := json.Marshal(activity.CreateRequest{
		Type:             "RandomActivity",
		RemoteResourceID: lt.opts.resourceID,
		StartNow:         true,
		Repeat:           models.RepeatOneShot,
		Options: map[string]string{
			"count_ok":   strconv.Itoa(lt.opts.countOK),
			"count_fail": strconv.Itoa(lt.opts.countFail),
			"mintime":    "0",
			"maxtime":    strconv.Itoa(lt.opts.maxItemSecs),
		},
	})
	if err != nil {
		return 0, err
	}
	var act models.BackgroundActivity
	if err := lt.call(ctx, http.MethodPost, "/v1/activities", body, http.StatusCreated, &act); err != nil {
		return 0, err
	}
	return act.ID, nil
}

func (lt *loadTest) call(ctx context.Context, method, path string, body []byte, want int, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, lt.opts.url+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+lt.opts.token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := lt.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (lt *loadTest) reportCreation(elapsed time.Duration) {
	lat := make([]time.Duration, 0, len(lt.done))
	var sum time.Duration
	for _, c := range lt.done {
		lat = append(lat, c.latency)
		sum += c.latency
	}
	slices.Sort(lat)

	fmt.Printf("\nCreated %d, refused %d in %v (%.1f/s)\n",
		len(lt.done), lt.refused, elapsed.Round(time.Millisecond), float64(len(lt.done))/elapsed.Seconds())
	if n := len(lat); n > 0 {
		fmt.Printf("Create latency: avg=%v p50=%v p95=%v max=%v\n",
			sum/time.Duration(n), lat[n/2], lat[n*95/100], lat[n-1])
	}
}

// follow polls every created activity until each is final or the wait
// budget runs out, then prints how they ended.
func (lt *loadTest) follow(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, lt.opts.wait)
	defer cancel()

	pending := make(map[int64]bool, len(lt.done))
	for _, c := range lt.done {
		pending[c.id] = true
	}
	statuses := map[models.ActivityStatus]int{}
	start := time.Now()
	tick := time.NewTicker(2 * time.Second)
	defer tick.Stop()

	for len(pending) > 0 {
		for id := range pending {
			var act models.BackgroundActivity
			if err := lt.call(ctx, http.MethodGet, fmt.Sprintf("/v1/activities/%d", id), nil, http.StatusOK, &act); err != nil {
				continue
			}
			if act.Status.IsFinal() {
				statuses[act.Status]++
				delete(pending, id)
			}
		}
		fmt.Printf("\r%d/%d finished after %v", len(lt.done)-len(pending), len(lt.done), time.Since(start).Round(time.Second))
		select {
		case <-ctx.Done():
			fmt.Printf("\nGave up with %d activities still running\n", len(pending))
			printStatuses(statuses)
			return
		case <-tick.C:
		}
	}
	fmt.Println()
	printStatuses(statuses)
}

func printStatuses(statuses map[models.ActivityStatus]int) {
	keys := make([]string, 0, len(statuses))
	for s := range statuses {
		keys = append(keys, string(s))
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Printf("  %-20s %d\n", k, statuses[models.ActivityStatus(k)])
	}
}
