package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ev-demand-analytics-engine/api"
	"ev-demand-analytics-engine/config"
	"ev-demand-analytics-engine/logging"
	"ev-demand-analytics-engine/storage"
	"ev-demand-analytics-engine/video"
)

const (
	defaultServerURL = "http://localhost:8080"
	version          = "0.2.0"
)

type CLIConfig struct {
	ServerURL string
	Token     string
	Verbose   bool
}

func main() {
	var (
		serverURL = flag.String("server", defaultServerURL, "EV demand server URL")
		token     = flag.String("token", os.Getenv("EVDEMAND_TOKEN"), "Bearer token for authenticated servers")
		verbose   = flag.Bool("v", false, "Verbose output")
		command   = flag.String("cmd", "", "Command to execute")
		help      = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *help || *command == "" {
		showHelp()
		return
	}

	config := CLIConfig{
		ServerURL: strings.TrimRight(*serverURL, "/"),
		Token:     *token,
		Verbose:   *verbose,
	}

	args := flag.Args()

	switch *command {
	case "ingest":
		handleIngest(config, args)
	case "events":
		handleEvents(config, args)
	case "stations":
		handleStations(config)
	case "forecast":
		handleForecast(config, args)
	case "refresh":
		handleRefresh(config)
	case "utilization":
		handleUtilization(config, args)
	case "alerts":
		handleAlerts(config)
	case "video":
		handleVideo(config, args)
	case "job":
		handleJob(config, args)
	case "jobs":
		handleJobs(config)
	case "detections":
		handleDetections(config, args)
	case "reset":
		handleReset(config)
	case "gen-video":
		handleGenVideo(args)
	case "track":
		handleTrack(args)
	case "token":
		handleToken(args)
	case "stats":
		handleStats(config)
	case "health":
		handleHealth(config)
	case "demo":
		handleDemo(config, args)
	case "benchmark":
		handleBenchmark(config, args)
	default:
		fmt.Printf("Unknown command: %s\n", *command)
		showHelp()
		os.Exit(1)
	}
}

func showHelp() {
	fmt.Printf(`EV Charging Demand Analytics CLI v%s

USAGE:
    evdemand-cli --cmd <command> [options] [args]

COMMANDS:
    ingest      - Ingest one station event
    events      - Query station events
    stations    - List known stations
    forecast    - Generate an hourly demand forecast
    refresh     - Drop cached forecast models
    utilization - Show the utilization report
    alerts      - Show demand and saturation alerts
    video       - Submit a detection log for analysis
    job         - Show one video job
    jobs        - List video jobs
    detections  - List persisted vehicle detections
    reset       - Clear video jobs and detections
    gen-video   - Write a synthetic detection log
    track       - Run the video pipeline locally on a detection log
    token       - Mint a bearer token from a config file
    stats       - Show system statistics
    health      - Check system health
    demo        - Ingest synthetic hourly events
    benchmark   - Run ingestion benchmarks

INGESTION:
    evdemand-cli --cmd ingest --station st-01 --vehicles 12 --sessions 9 --occupancy 0.75 --queue 2
    evdemand-cli --cmd demo --stations 3 --days 14

QUERYING:
    evdemand-cli --cmd events --station st-01 --start -24h
    evdemand-cli --cmd forecast --hours 48
    evdemand-cli --cmd utilization --window 24

VIDEO:
    evdemand-cli --cmd gen-video --out scene.ndjson --vehicles 8 --duration 60
    evdemand-cli --cmd track --file scene.ndjson
    evdemand-cli --cmd video --file scene.ndjson
    evdemand-cli --cmd job --id <job-id>

OPTIONS:
    --server   Server URL (default: http://localhost:8080)
    --token    Bearer token (default: $EVDEMAND_TOKEN)
    --v        Verbose output
    --help     Show this help message

`, version)
}

func handleIngest(config CLIConfig, args []string) {
	var (
		station   = getArg(args, "--station", "")
		vehicles  = getArg(args, "--vehicles", "0")
		sessions  = getArg(args, "--sessions", "0")
		occupancy = getArg(args, "--occupancy", "0")
		queue     = getArg(args, "--queue", "0")
		timestamp = getArg(args, "--timestamp", "")
	)

	if station == "" {
		fmt.Println("Error: --station is required")
		return
	}

	e := storage.Event{StationID: station, Timestamp: time.Now().UTC()}
	if _, err := fmt.Sscanf(vehicles, "%d", &e.VehicleCount); err != nil {
		fmt.Printf("Error: Invalid vehicles '%s': %v\n", vehicles, err)
		return
	}
	if _, err := fmt.Sscanf(sessions, "%d", &e.SessionCount); err != nil {
		fmt.Printf("Error: Invalid sessions '%s': %v\n", sessions, err)
		return
	}
	if _, err := fmt.Sscanf(occupancy, "%f", &e.OccupancyRate); err != nil {
		fmt.Printf("Error: Invalid occupancy '%s': %v\n", occupancy, err)
		return
	}
	if _, err := fmt.Sscanf(queue, "%d", &e.QueueLength); err != nil {
		fmt.Printf("Error: Invalid queue '%s': %v\n", queue, err)
		return
	}
	if timestamp != "" {
		ts, err := time.Parse(time.RFC3339, timestamp)
		if err != nil {
			fmt.Printf("Error: Invalid timestamp '%s': %v\n", timestamp, err)
			return
		}
		e.Timestamp = ts
	}

	if err := sendEvents(config, []storage.Event{e}); err != nil {
		fmt.Printf("Error ingesting event: %v\n", err)
		return
	}

	fmt.Printf("✓ Ingested event for %s: %d vehicles, %d sessions, occupancy %.2f, queue %d\n",
		station, e.VehicleCount, e.SessionCount, e.OccupancyRate, e.QueueLength)
}

func handleEvents(config CLIConfig, args []string) {
	var (
		station = getArg(args, "--station", "")
		start   = getArg(args, "--start", "-24h")
		end     = getArg(args, "--end", "")
		limit   = getArg(args, "--limit", "")
	)

	q := url.Values{}
	q.Set("start", start)
	if station != "" {
		q.Set("station", station)
	}
	if end != "" {
		q.Set("end", end)
	}
	if limit != "" {
		q.Set("limit", limit)
	}

	result, err := getJSON(config, "/api/v1/events?"+q.Encode())
	if err != nil {
		fmt.Printf("Query failed: %v\n", err)
		return
	}

	if station == "" {
		station = "all stations"
	}
	fmt.Printf("Events for %s\n", station)
	fmt.Printf("Count: %v\n", result["count"])
	printVerbose(config, result)
}

func handleStations(config CLIConfig) {
	result, err := getJSON(config, "/api/v1/stations")
	if err != nil {
		fmt.Printf("Error listing stations: %v\n", err)
		return
	}

	fmt.Printf("⚡ Stations (%v total)\n", result["count"])
	if stations, ok := result["stations"].([]interface{}); ok {
		for _, s := range stations {
			if st, ok := s.(map[string]interface{}); ok {
				fmt.Printf("  %-24v events: %-6v last: %v\n", st["station_id"], st["size"], st["last_event"])
			}
		}
	}
}

func handleForecast(config CLIConfig, args []string) {
	hours := getArg(args, "--hours", "24")

	var horizon int
	if _, err := fmt.Sscanf(hours, "%d", &horizon); err != nil {
		fmt.Printf("Error: Invalid hours '%s': %v\n", hours, err)
		return
	}

	result, err := getJSON(config, fmt.Sprintf("/api/v1/forecast?hours=%d", horizon))
	if err != nil {
		fmt.Printf("Forecast failed: %v\n", err)
		return
	}

	fmt.Printf("📈 Demand forecast for the next %d hours\n", horizon)
	fmt.Printf("Models: %v\n", result["models"])
	if skipped, ok := result["skipped_models"].(map[string]interface{}); ok && len(skipped) > 0 {
		for name, reason := range skipped {
			fmt.Printf("  skipped %s: %v\n", name, reason)
		}
	}
	if insufficient, _ := result["insufficient_data"].(bool); insufficient {
		fmt.Println("⚠️  Not enough history, showing a flat fallback forecast")
	}
	if peak, ok := result["peak"].(map[string]interface{}); ok {
		fmt.Printf("Peak: %.1f vehicles at %v\n", toFloat(peak["value"]), peak["timestamp"])
	}
	fmt.Printf("Average: %.1f  Weekend average: %.1f\n", toFloat(result["average"]), toFloat(result["weekend_average"]))

	if config.Verbose {
		if points, ok := result["points"].([]interface{}); ok {
			for _, p := range points {
				pt, _ := p.(map[string]interface{})
				fmt.Printf("  %v  %7.2f  [%6.2f, %6.2f]\n", pt["timestamp"],
					toFloat(pt["ensemble_value"]), toFloat(pt["lower_bound"]), toFloat(pt["upper_bound"]))
			}
		}
	}
}

func handleRefresh(config CLIConfig) {
	result, err := postJSON(config, "/api/v1/forecast/refresh", nil, http.StatusOK)
	if err != nil {
		fmt.Printf("Refresh failed: %v\n", err)
		return
	}
	fmt.Printf("✓ %v\n", result["message"])
	printVerbose(config, result)
}

func handleUtilization(config CLIConfig, args []string) {
	window := getArg(args, "--window", "24")

	result, err := getJSON(config, "/api/v1/analytics/utilization?window_hours="+url.QueryEscape(window))
	if err != nil {
		fmt.Printf("Utilization report failed: %v\n", err)
		return
	}

	fmt.Printf("🔋 Utilization over the last %v hours\n", result["window_hours"])
	fmt.Printf("  Avg utilization: %.1f%% (%+.1f%%)\n", toFloat(result["avg_utilization_pct"]), toFloat(result["utilization_change_pct"]))
	fmt.Printf("  Sessions:        %v (%+.1f%%)\n", result["total_sessions"], toFloat(result["sessions_change_pct"]))
	fmt.Printf("  Energy:          %.1f kWh\n", toFloat(result["energy_delivered_kwh"]))
	fmt.Printf("  Revenue:         %.2f (%+.1f%%)\n", toFloat(result["revenue"]), toFloat(result["revenue_change_pct"]))
	fmt.Printf("  Avg queue:       %.2f\n", toFloat(result["avg_queue_length"]))
	printVerbose(config, result)
}

func handleAlerts(config CLIConfig) {
	result, err := getJSON(config, "/api/v1/analytics/alerts")
	if err != nil {
		fmt.Printf("Alert query failed: %v\n", err)
		return
	}

	fmt.Printf("🚨 Alerts: %v\n", result["count"])
	if alerts, ok := result["alerts"].([]interface{}); ok {
		for _, a := range alerts {
			alert, _ := a.(map[string]interface{})
			fmt.Printf("  [%v] %v\n", alert["severity"], alert["message"])
		}
	}
	printVerbose(config, result)
}

func handleVideo(config CLIConfig, args []string) {
	var (
		file   = getArg(args, "--file", "")
		source = getArg(args, "--source", "")
	)

	if file == "" {
		fmt.Println("Error: --file is required")
		return
	}
	if source == "" {
		source = filepath.Base(file)
	}

	data, err := os.ReadFile(file)
	if err != nil {
		fmt.Printf("Error reading %s: %v\n", file, err)
		return
	}

	path := "/api/v1/video/jobs?source=" + url.QueryEscape(source)
	result, err := doRequest(config, http.MethodPost, path, "application/x-ndjson", bytes.NewReader(data), http.StatusAccepted)
	if err != nil {
		fmt.Printf("Upload failed: %v\n", err)
		return
	}

	job, _ := result["job"].(map[string]interface{})
	fmt.Printf("🎥 Submitted %s\n", source)
	fmt.Printf("Job ID: %v\n", job["id"])
	fmt.Printf("Check progress with: evdemand-cli --cmd job --id %v\n", job["id"])
}

func handleJob(config CLIConfig, args []string) {
	id := getArg(args, "--id", "")
	if id == "" {
		fmt.Println("Error: --id is required")
		return
	}

	job, err := getJSON(config, "/api/v1/video/jobs/"+url.PathEscape(id))
	if err != nil {
		fmt.Printf("Error fetching job: %v\n", err)
		return
	}
	printJob(job)
	printVerbose(config, job)
}

func handleJobs(config CLIConfig) {
	result, err := getJSON(config, "/api/v1/video/jobs")
	if err != nil {
		fmt.Printf("Error listing jobs: %v\n", err)
		return
	}

	fmt.Printf("Video jobs: %v\n", result["total"])
	if jobs, ok := result["jobs"].([]interface{}); ok {
		for _, j := range jobs {
			job, _ := j.(map[string]interface{})
			fmt.Printf("  %v  %-10v %v\n", job["id"], job["status"], job["source"])
		}
	}
}

func printJob(job map[string]interface{}) {
	fmt.Printf("Job %v (%v): %v\n", job["id"], job["source"], job["status"])
	if msg, ok := job["error"].(string); ok && msg != "" {
		fmt.Printf("  Error: %s\n", msg)
	}
	if p, ok := job["progress"].(map[string]interface{}); ok {
		fmt.Printf("  Frames read: %v  processed: %v  vehicles so far: %v\n",
			p["frames_read"], p["frames_processed"], p["unique_vehicles"])
	}
	if s, ok := job["summary"].(map[string]interface{}); ok {
		fmt.Printf("  Unique vehicles: %v\n", s["unique_vehicle_count"])
		fmt.Printf("  Per class:       %v\n", s["per_class_counts"])
		fmt.Printf("  Max queue:       %v  avg: %.2f\n", s["max_queue_length"], toFloat(s["avg_queue_length"]))
		fmt.Printf("  Avg dwell:       %.1fs\n", toFloat(s["avg_dwell_time"]))
	}
}

func handleDetections(config CLIConfig, args []string) {
	var (
		source = getArg(args, "--source", "")
		limit  = getArg(args, "--limit", "20")
		offset = getArg(args, "--offset", "0")
	)

	q := url.Values{}
	q.Set("limit", limit)
	q.Set("offset", offset)
	if source != "" {
		q.Set("source", source)
	}

	result, err := getJSON(config, "/api/v1/video/detections?"+q.Encode())
	if err != nil {
		fmt.Printf("Error listing detections: %v\n", err)
		return
	}

	fmt.Printf("Detections: %v total\n", result["total_detections"])
	if summaries, ok := result["video_summaries"].(map[string]interface{}); ok {
		for src, s := range summaries {
			summary, _ := s.(map[string]interface{})
			fmt.Printf("  %-30s %v vehicles %v\n", src, summary["total"], summary["by_class"])
		}
	}
	printVerbose(config, result)
}

func handleReset(config CLIConfig) {
	result, err := postJSON(config, "/api/v1/video/reset", nil, http.StatusOK)
	if err != nil {
		fmt.Printf("Reset failed: %v\n", err)
		return
	}
	fmt.Printf("✓ %v (%v detections removed)\n", result["message"], result["deleted"])
}

func handleGenVideo(args []string) {
	var (
		out      = getArg(args, "--out", "")
		fps      = getArg(args, "--fps", "30")
		duration = getArg(args, "--duration", "60")
		vehicles = getArg(args, "--vehicles", "6")
		seed     = getArg(args, "--seed", "1")
	)

	if out == "" {
		fmt.Println("Error: --out is required")
		return
	}

	var cfg video.SyntheticConfig
	if _, err := fmt.Sscanf(fps, "%f", &cfg.FPS); err != nil {
		fmt.Printf("Error: Invalid fps '%s': %v\n", fps, err)
		return
	}
	if _, err := fmt.Sscanf(duration, "%f", &cfg.Duration); err != nil {
		fmt.Printf("Error: Invalid duration '%s': %v\n", duration, err)
		return
	}
	if _, err := fmt.Sscanf(vehicles, "%d", &cfg.Vehicles); err != nil {
		fmt.Printf("Error: Invalid vehicles '%s': %v\n", vehicles, err)
		return
	}
	if _, err := fmt.Sscanf(seed, "%d", &cfg.Seed); err != nil {
		fmt.Printf("Error: Invalid seed '%s': %v\n", seed, err)
		return
	}

	f, err := os.Create(out)
	if err != nil {
		fmt.Printf("Error creating %s: %v\n", out, err)
		return
	}
	defer f.Close()

	src := video.NewSyntheticSource(cfg)
	frames, err := video.WriteDetectionLog(context.Background(), f, src)
	if err != nil {
		fmt.Printf("Error writing detection log: %v\n", err)
		return
	}

	fmt.Printf("🎬 Wrote %d frames (%.0fs at %.0f fps) to %s\n", frames, cfg.Duration, cfg.FPS, out)
	for _, v := range src.Vehicles() {
		fmt.Printf("  %-10s lane %.0f enters at %.1fs speed %.0f px/s\n", v.Class, v.Lane, v.EnterAt, v.Speed)
	}
}

func handleTrack(args []string) {
	var (
		file       = getArg(args, "--file", "")
		configFile = getArg(args, "--config", "")
	)

	if file == "" {
		fmt.Println("Error: --file is required")
		return
	}

	cfg := config.DefaultConfig()
	if configFile != "" {
		loaded, err := config.LoadFromFile(configFile)
		if err != nil {
			fmt.Printf("Error loading config: %v\n", err)
			return
		}
		cfg = loaded
	}

	src, err := video.OpenDetectionLog(file)
	if err != nil {
		fmt.Printf("Error opening %s: %v\n", file, err)
		return
	}
	defer src.Close()

	logger := logging.New(config.LoggingConfig{Level: "warn", Format: "text"})
	sink := storage.NewMemoryDetectionStore()
	pipeline := video.NewPipeline(video.ReplayDetector{}, sink, video.OptionsFromConfig(cfg.Video, cfg.Tracking), logger)

	summary, err := pipeline.Process(context.Background(), src, filepath.Base(file))
	if err != nil {
		fmt.Printf("Processing failed: %v\n", err)
		return
	}

	fmt.Printf("🚗 %s\n", summary.SourceID)
	fmt.Printf("  Frames:          %d read, %d processed (every %d)\n", summary.FramesRead, summary.FramesProcessed, summary.FrameInterval)
	fmt.Printf("  Unique vehicles: %d\n", summary.UniqueVehicles)
	for class, n := range summary.PerClassCounts {
		fmt.Printf("    %-10s %d (avg dwell %.1fs)\n", class, n, summary.DwellTimeByClass[class])
	}
	fmt.Printf("  Max queue:       %d  avg: %.2f\n", summary.MaxQueueLength, summary.AvgQueueLength)

	e := summary.ToEvent(cfg.Video.StationID, cfg.Video.StationCapacity, summary.StartedAt.Truncate(time.Hour))
	fmt.Printf("  As station event: vehicles %d, occupancy %.2f, queue %d\n", e.VehicleCount, e.OccupancyRate, e.QueueLength)
}

func handleToken(args []string) {
	var (
		configFile = getArg(args, "--config", "")
		subject    = getArg(args, "--subject", "cli")
		ttl        = getArg(args, "--ttl", "24h")
	)

	cfg := config.LoadFromEnv()
	if configFile != "" {
		loaded, err := config.LoadFromFile(configFile)
		if err != nil {
			fmt.Printf("Error loading config: %v\n", err)
			return
		}
		cfg = loaded
	}

	dur, err := time.ParseDuration(ttl)
	if err != nil {
		fmt.Printf("Error: Invalid ttl '%s': %v\n", ttl, err)
		return
	}

	token, err := api.NewToken(cfg.Auth, subject, dur)
	if err != nil {
		fmt.Printf("Error signing token: %v\n", err)
		return
	}
	fmt.Println(token)
}

func handleStats(config CLIConfig) {
	result, err := getJSON(config, "/api/v1/stats")
	if err != nil {
		fmt.Printf("Error fetching stats: %v\n", err)
		return
	}

	fmt.Printf("📊 System Statistics\n")
	if st, ok := result["storage"].(map[string]interface{}); ok {
		fmt.Printf("  Stations: %v  Events: %v  Persistent: %v\n", st["stations"], st["total_events"], st["persistent"])
	}
	if in, ok := result["ingestion"].(map[string]interface{}); ok {
		fmt.Printf("  Ingested: %v  Processed: %v  Errors: %v\n", in["total_ingested"], in["total_processed"], in["total_errors"])
	}
	if fc, ok := result["forecast"].(map[string]interface{}); ok {
		fmt.Printf("  Forecast trained: %v  models: %v\n", fc["trained"], fc["models"])
	}
	if sys, ok := result["system"].(map[string]interface{}); ok {
		fmt.Printf("  Uptime: %v\n", sys["uptime"])
	}
	printVerbose(config, result)
}

func handleHealth(config CLIConfig) {
	result, err := getJSON(config, "/health")
	if err != nil {
		fmt.Printf("❌ Health check failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✅ Server is %v\n", result["status"])
	printVerbose(config, result)
}

func handleDemo(config CLIConfig, args []string) {
	var (
		stations = getArg(args, "--stations", "3")
		days     = getArg(args, "--days", "14")
		prefix   = getArg(args, "--prefix", "demo")
	)

	var numStations, numDays int
	if _, err := fmt.Sscanf(stations, "%d", &numStations); err != nil {
		fmt.Printf("Error: Invalid stations '%s': %v\n", stations, err)
		return
	}
	if _, err := fmt.Sscanf(days, "%d", &numDays); err != nil {
		fmt.Printf("Error: Invalid days '%s': %v\n", days, err)
		return
	}

	fmt.Printf("🚀 Generating %d days of hourly events for %d stations...\n", numDays, numStations)

	end := time.Now().UTC().Truncate(time.Hour)
	start := end.Add(-time.Duration(numDays*24) * time.Hour)

	for i := 0; i < numStations; i++ {
		id := fmt.Sprintf("%s-station-%02d", prefix, i+1)
		scale := 0.6 + rand.Float64()*0.8

		var batch []storage.Event
		for ts := start; ts.Before(end); ts = ts.Add(time.Hour) {
			batch = append(batch, demoEvent(id, ts, scale))
			if len(batch) == 100 {
				if err := sendEvents(config, batch); err != nil {
					fmt.Printf("Error sending batch for %s: %v\n", id, err)
					return
				}
				batch = batch[:0]
			}
		}
		if len(batch) > 0 {
			if err := sendEvents(config, batch); err != nil {
				fmt.Printf("Error sending batch for %s: %v\n", id, err)
				return
			}
		}
		fmt.Printf("✅ Completed %s\n", id)
	}

	fmt.Printf("🎉 Demo data generation complete!\n")
	fmt.Printf("\nTry these commands:\n")
	fmt.Printf("  evdemand-cli --cmd stations\n")
	fmt.Printf("  evdemand-cli --cmd forecast --hours 48\n")
	fmt.Printf("  evdemand-cli --cmd utilization --window 24\n")
	fmt.Printf("  evdemand-cli --cmd alerts\n")
}

// demoEvent shapes demand with a morning and an evening peak and a quieter
// weekend.
func demoEvent(station string, ts time.Time, scale float64) storage.Event {
	hour := float64(ts.Hour())
	daily := 0.3 + 0.7*math.Exp(-math.Pow(hour-8.5, 2)/6) + 0.9*math.Exp(-math.Pow(hour-18, 2)/8)
	if wd := ts.Weekday(); wd == time.Saturday || wd == time.Sunday {
		daily *= 0.7
	}

	vehicles := int(math.Max(0, scale*20*daily+rand.NormFloat64()*2))
	sessions := vehicles * 3 / 4
	occupancy := math.Min(1, float64(sessions)/10)
	queue := 0
	if sessions > 10 {
		queue = sessions - 10
	}
	return storage.Event{
		Timestamp:     ts,
		StationID:     station,
		VehicleCount:  vehicles,
		SessionCount:  sessions,
		OccupancyRate: occupancy,
		QueueLength:   queue,
	}
}

func handleBenchmark(config CLIConfig, args []string) {
	var (
		duration    = getArg(args, "--duration", "30s")
		concurrency = getArg(args, "--concurrency", "10")
		station     = getArg(args, "--station", "benchmark")
	)

	dur, err := time.ParseDuration(duration)
	if err != nil {
		fmt.Printf("Error: Invalid duration '%s': %v\n", duration, err)
		return
	}

	var concurrent int
	if _, err := fmt.Sscanf(concurrency, "%d", &concurrent); err != nil {
		fmt.Printf("Error: Invalid concurrency '%s': %v\n", concurrency, err)
		return
	}

	fmt.Printf("🏃 Running benchmark: %d concurrent clients for %s\n", concurrent, duration)

	start := time.Now()
	totalRequests := make(chan int, concurrent)

	for i := 0; i < concurrent; i++ {
		go func(workerID int) {
			requests := 0
			id := fmt.Sprintf("%s-%d", station, workerID)
			for time.Since(start) < dur {
				e := storage.Event{
					Timestamp:     time.Now().UTC(),
					StationID:     id,
					VehicleCount:  rand.Intn(30),
					SessionCount:  rand.Intn(20),
					OccupancyRate: rand.Float64(),
				}
				if sendEvents(config, []storage.Event{e}) == nil {
					requests++
				}
				time.Sleep(time.Millisecond * 10)
			}
			totalRequests <- requests
		}(i)
	}

	total := 0
	for i := 0; i < concurrent; i++ {
		total += <-totalRequests
	}

	elapsed := time.Since(start)
	rps := float64(total) / elapsed.Seconds()

	fmt.Printf("📊 Benchmark Results:\n")
	fmt.Printf("  Duration: %v\n", elapsed)
	fmt.Printf("  Total Requests: %d\n", total)
	fmt.Printf("  Requests/sec: %.2f\n", rps)
	fmt.Printf("  Concurrent Workers: %d\n", concurrent)
}

// sendEvents posts one event directly or several as a batch
func sendEvents(config CLIConfig, events []storage.Event) error {
	var (
		data []byte
		err  error
		path = "/api/v1/events"
	)
	if len(events) == 1 {
		data, err = json.Marshal(events[0])
	} else {
		data, err = json.Marshal(api.BatchRequest{Events: events})
		path = "/api/v1/events/batch"
	}
	if err != nil {
		return err
	}

	_, err = doRequest(config, http.MethodPost, path, "application/json", bytes.NewReader(data), http.StatusCreated)
	return err
}

func getJSON(config CLIConfig, path string) (map[string]interface{}, error) {
	return doRequest(config, http.MethodGet, path, "", nil, http.StatusOK)
}

func postJSON(config CLIConfig, path string, payload interface{}, want int) (map[string]interface{}, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	return doRequest(config, http.MethodPost, path, "application/json", body, want)
}

func doRequest(config CLIConfig, method, path, contentType string, body io.Reader, want int) (map[string]interface{}, error) {
	req, err := http.NewRequest(method, config.ServerURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+config.Token)
	}

	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode != want {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("error parsing response: %w", err)
	}
	return result, nil
}

func printVerbose(config CLIConfig, v interface{}) {
	if !config.Verbose {
		return
	}
	prettyJSON, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(prettyJSON))
}

func toFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

func getArg(args []string, flag, defaultValue string) string {
	for i, arg := range args {
		if arg == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return defaultValue
}
