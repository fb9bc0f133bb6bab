package main

/* viewer is a web server stepping through time series of single-band
   rasters kept in an object store. Each configured layer points at a
   bucket prefix; the server lists the rasters under it in time order,
   loads one step at a time and answers value, statistics and legend
   queries against the loaded raster.
   Configuration of the server is specified in config.json (or yaml)
   files where layers, palettes and display ranges are defined. */

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/png"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stebubu/venezia/catalog"
	"github.com/stebubu/venezia/metrics"
	"github.com/stebubu/venezia/raster"
	"github.com/stebubu/venezia/sequence"
	"github.com/stebubu/venezia/utils"

	_ "net/http/pprof"

	geo "github.com/nci/geometry"
	"golang.org/x/crypto/ssh/terminal"
)

const ISOFormat = "2006-01-02T15:04:05.000Z"

// Global variable to hold the values specified
// on the config.json documents.
var configMap map[string]*utils.Config

var (
	port            = flag.Int("p", 8080, "Server listening port.")
	serverDataDir   = flag.String("data_dir", utils.DataDir, "Server data directory.")
	serverConfigDir = flag.String("conf_dir", utils.EtcDir, "Server config directory.")
	serverLogDir    = flag.String("log_dir", "", "Server log directory.")
	validateConfig  = flag.Bool("check_conf", false, "Validate server config files.")
	promptCred      = flag.Bool("prompt_cred", false, "Prompt for object store credentials on startup.")
	verbose         = flag.Bool("v", false, "Verbose mode for more server outputs.")
)

var (
	Error *log.Logger
	Info  *log.Logger
)

var metricsLogger metrics.Logger

// layerState holds the per-layer runtime built on first use: the open
// store bucket, the catalog listing and the sequence position.
type layerState struct {
	layer      *utils.Layer
	lister     *catalog.Lister
	controller *sequence.Controller
}

var (
	layerStatesMu sync.Mutex
	layerStates   = map[string]*layerState{}
)

// initViewer initialises the Error logger, checks
// required files are in place and sets the Config structs.
// This is the first function to be called in main.
func initViewer() {
	Error = log.New(os.Stderr, "VIEWER: ", log.Ldate|log.Ltime|log.Lshortfile)
	Info = log.New(os.Stdout, "VIEWER: ", log.Ldate|log.Ltime|log.Lshortfile)

	flag.Parse()

	utils.DataDir = *serverDataDir
	utils.EtcDir = *serverConfigDir

	filePaths := []string{
		utils.DataDir + "/templates/viewer_index.tpl"}

	for _, filePath := range filePaths {
		if _, err := os.Stat(filePath); os.IsNotExist(err) {
			panic(err)
		}
	}

	confMap, err := utils.LoadAllConfigFiles(utils.EtcDir, *verbose)
	if err != nil {
		Error.Printf("Error in loading config files: %v\n", err)
		panic(err)
	}

	if *validateConfig {
		os.Exit(0)
	}

	configMap = confMap

	utils.WatchConfig(Info, Error, &configMap, *verbose)

	raster.RegisterDrivers()

	if *promptCred {
		if err := promptStoreCredentials(); err != nil {
			Error.Printf("Error reading store credentials: %v\n", err)
			panic(err)
		}
	}

	if len(*serverLogDir) > 0 {
		if *serverLogDir == "-" {
			metricsLogger = metrics.NewStdoutLogger()
		} else {
			maxLogFileSize := int64(0)
			if val, ok := os.LookupEnv("VIEWER_MAX_LOG_FILE_SIZE"); ok {
				valInt, e := strconv.ParseInt(val, 10, 64)
				if e == nil {
					maxLogFileSize = valInt
				} else {
					Error.Printf("invalid VIEWER_MAX_LOG_FILE_SIZE: %v", e)
				}
			}

			maxLogFiles := -1
			if val, ok := os.LookupEnv("VIEWER_MAX_LOG_FILES"); ok {
				valInt, e := strconv.ParseInt(val, 10, 32)
				if e == nil {
					maxLogFiles = int(valInt)
				} else {
					Error.Printf("invalid VIEWER_MAX_LOG_FILES: %v", e)
				}
			}

			metricsLogger = metrics.NewFileLogger(*serverLogDir, maxLogFileSize, maxLogFiles, *verbose)
		}
	}
}

// promptStoreCredentials reads object store credentials from the
// terminal and publishes them through the environment for the store
// drivers to pick up. Nothing is echoed back.
func promptStoreCredentials() error {
	fmt.Print("Store access key id: ")
	keyID, err := terminal.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return err
	}

	fmt.Print("Store secret access key: ")
	secret, err := terminal.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return err
	}

	if len(keyID) > 0 {
		os.Setenv("AWS_ACCESS_KEY_ID", string(keyID))
	}
	if len(secret) > 0 {
		os.Setenv("AWS_SECRET_ACCESS_KEY", string(secret))
	}
	return nil
}

func findLayer(layerName string) (*utils.Layer, error) {
	for _, conf := range configMap {
		for i := range conf.Layers {
			layer := &conf.Layers[i]
			if layer.Name == layerName || layer.NameSpace+":"+layer.Name == layerName {
				return layer, nil
			}
		}
	}
	return nil, fmt.Errorf("layer %s not found in config files", layerName)
}

// getLayerState returns the runtime of a layer, opening the bucket and
// listing the catalog on first access.
func getLayerState(ctx context.Context, layerName string, metricsCollector *metrics.MetricsCollector) (*layerState, error) {
	layerStatesMu.Lock()
	defer layerStatesMu.Unlock()

	if state, ok := layerStates[layerName]; ok {
		return state, nil
	}

	layer, err := findLayer(layerName)
	if err != nil {
		return nil, err
	}

	lister, err := catalog.NewLister(ctx, layer.StoreLocation, layer.Pattern)
	if err != nil {
		return nil, err
	}

	refs, err := lister.List(ctx, metricsCollector)
	if err != nil {
		lister.Close()
		return nil, err
	}

	loader := raster.NewLoader(lister.Bucket())
	controller := sequence.NewController(loader)
	controller.Reset(refs)

	state := &layerState{layer: layer, lister: lister, controller: controller}
	layerStates[layerName] = state

	if *verbose {
		Info.Printf("layer %s: %d objects under %s\n", layerName, len(refs), layer.StoreLocation)
	}
	return state, nil
}

// coverageFeature outlines the raster footprint as a GeoJSON feature.
func coverageFeature(g *raster.Grid) *geo.Feature {
	b := g.Bounds
	ring := [][]float64{
		{b.West, b.South},
		{b.East, b.South},
		{b.East, b.North},
		{b.West, b.North},
		{b.West, b.South},
	}
	return &geo.Feature{
		Type:     "Feature",
		Geometry: &geo.Polygon{Type: "Polygon", Coordinates: [][][]float64{ring}},
	}
}

type catalogResponse struct {
	Layer        string              `json:"layer"`
	Count        int                 `json:"count"`
	EmptyCatalog bool                `json:"empty_catalog"`
	Objects      []catalog.ObjectRef `json:"objects"`
	Coverage     *geo.Feature        `json:"coverage,omitempty"`
}

type stepResponse struct {
	Layer    string             `json:"layer"`
	Index    int                `json:"index"`
	Length   int                `json:"length"`
	Key      string             `json:"key"`
	Stats    *raster.Statistics `json:"stats"`
	Bounds   raster.BoundingBox `json:"bounds"`
	CRS      string             `json:"crs"`
	Width    int                `json:"width"`
	Height   int                `json:"height"`
	Coverage *geo.Feature       `json:"coverage"`
}

type valueResponse struct {
	Layer    string   `json:"layer"`
	Lat      float64  `json:"lat"`
	Lon      float64  `json:"lon"`
	Row      int      `json:"row"`
	Col      int      `json:"col"`
	InBounds bool     `json:"in_bounds"`
	Value    *float64 `json:"value"`
}

func writeJSON(w http.ResponseWriter, data interface{}, metricsCollector *metrics.MetricsCollector) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		Error.Printf("Error encoding response: %v\n", err)
		metricsCollector.Info.HTTPStatus = 500
	}
}

// storeErrorStatus maps catalog and raster failures onto HTTP codes.
func storeErrorStatus(err error) int {
	switch {
	case errors.Is(err, catalog.ErrAuthFailure):
		return 401
	case errors.Is(err, catalog.ErrUnreachable):
		return 502
	case errors.Is(err, raster.ErrObjectNotFound):
		return 404
	default:
		return 500
	}
}

// serveCatalog re-lists the layer's store prefix and resets the
// sequence to the fresh listing. An empty listing is a valid state,
// flagged explicitly so clients never confuse it with a failure. The
// raster on display survives the reset and its footprint rides along.
func serveCatalog(ctx context.Context, layerName string, w http.ResponseWriter, metricsCollector *metrics.MetricsCollector) {
	state, err := getLayerState(ctx, layerName, metricsCollector)
	if err != nil {
		Error.Printf("%v\n", err)
		metricsCollector.Info.HTTPStatus = storeErrorStatus(err)
		http.Error(w, err.Error(), metricsCollector.Info.HTTPStatus)
		return
	}

	refs, err := state.lister.List(ctx, metricsCollector)
	if err != nil {
		Error.Printf("%v\n", err)
		metricsCollector.Info.HTTPStatus = storeErrorStatus(err)
		http.Error(w, err.Error(), metricsCollector.Info.HTTPStatus)
		return
	}
	state.controller.Reset(refs)

	resp := &catalogResponse{
		Layer:        layerName,
		Count:        len(refs),
		EmptyCatalog: len(refs) == 0,
		Objects:      refs,
	}
	if grid := state.controller.Current(); grid != nil {
		resp.Coverage = coverageFeature(grid)
	}
	writeJSON(w, resp, metricsCollector)
}

func serveStep(ctx context.Context, layerName string, query url.Values, w http.ResponseWriter, metricsCollector *metrics.MetricsCollector) {
	state, err := getLayerState(ctx, layerName, metricsCollector)
	if err != nil {
		Error.Printf("%v\n", err)
		metricsCollector.Info.HTTPStatus = storeErrorStatus(err)
		http.Error(w, err.Error(), metricsCollector.Info.HTTPStatus)
		return
	}

	if state.controller.Length() == 0 {
		metricsCollector.Info.HTTPStatus = 404
		http.Error(w, fmt.Sprintf("Layer %s has an empty catalog, nothing to step through", layerName), 404)
		return
	}

	idx, err := strconv.Atoi(query.Get("index"))
	if err != nil {
		metricsCollector.Info.HTTPStatus = 400
		http.Error(w, fmt.Sprintf("Malformed step request, 'index' must be an integer: %v", err), 400)
		return
	}

	step, err := state.controller.SetIndex(ctx, idx, metricsCollector)
	if err != nil {
		Error.Printf("%v\n", err)
		if errors.Is(err, sequence.ErrIndexRange) {
			metricsCollector.Info.HTTPStatus = 400
		} else {
			metricsCollector.Info.HTTPStatus = storeErrorStatus(err)
		}
		http.Error(w, err.Error(), metricsCollector.Info.HTTPStatus)
		return
	}
	if step.Grid == nil {
		// Superseded by a later step whose load has not landed yet.
		metricsCollector.Info.HTTPStatus = 409
		http.Error(w, fmt.Sprintf("Step %d was superseded by a newer request", idx), 409)
		return
	}

	stats, err := raster.ComputeStats(step.Grid)
	if err != nil {
		Error.Printf("%v\n", err)
		stats = nil
	}

	// The step snapshot keeps ref, position and grid from one state,
	// so a concurrent step cannot mix into this response.
	resp := &stepResponse{
		Layer:    layerName,
		Index:    step.Index,
		Length:   step.Length,
		Key:      step.Ref.Key,
		Stats:    stats,
		Bounds:   step.Grid.Bounds,
		CRS:      step.Grid.CRS,
		Width:    step.Grid.Width,
		Height:   step.Grid.Height,
		Coverage: coverageFeature(step.Grid),
	}
	writeJSON(w, resp, metricsCollector)
}

func serveValue(ctx context.Context, layerName string, query url.Values, w http.ResponseWriter, metricsCollector *metrics.MetricsCollector) {
	state, err := getLayerState(ctx, layerName, metricsCollector)
	if err != nil {
		Error.Printf("%v\n", err)
		metricsCollector.Info.HTTPStatus = storeErrorStatus(err)
		http.Error(w, err.Error(), metricsCollector.Info.HTTPStatus)
		return
	}

	grid := state.controller.Current()
	if grid == nil {
		metricsCollector.Info.HTTPStatus = 404
		http.Error(w, fmt.Sprintf("Layer %s has no step loaded yet", layerName), 404)
		return
	}

	lat, errLat := strconv.ParseFloat(query.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(query.Get("lon"), 64)
	if errLat != nil || errLon != nil {
		metricsCollector.Info.HTTPStatus = 400
		http.Error(w, "Malformed value request, 'lat' and 'lon' must be floats", 400)
		return
	}

	row, col := grid.PixelFromGeo(lat, lon)
	resp := &valueResponse{Layer: layerName, Lat: lat, Lon: lon, Row: row, Col: col}
	if val, ok := grid.Value(row, col); ok {
		resp.InBounds = true
		resp.Value = &val
	} else {
		resp.InBounds = grid.InBounds(row, col)
	}
	writeJSON(w, resp, metricsCollector)
}

// serveLegend renders the colour ramp of the current step as a PNG
// strip, 256 wide and 20 high, value increasing left to right.
func serveLegend(ctx context.Context, layerName string, w http.ResponseWriter, metricsCollector *metrics.MetricsCollector) {
	state, err := getLayerState(ctx, layerName, metricsCollector)
	if err != nil {
		Error.Printf("%v\n", err)
		metricsCollector.Info.HTTPStatus = storeErrorStatus(err)
		http.Error(w, err.Error(), metricsCollector.Info.HTTPStatus)
		return
	}

	grid := state.controller.Current()
	if grid == nil {
		metricsCollector.Info.HTTPStatus = 404
		http.Error(w, fmt.Sprintf("Layer %s has no step loaded yet", layerName), 404)
		return
	}

	stats, err := raster.ComputeStats(grid)
	if err != nil {
		Error.Printf("%v\n", err)
		metricsCollector.Info.HTTPStatus = 500
		http.Error(w, err.Error(), 500)
		return
	}

	scale, err := raster.BuildColorScale(stats, state.layer.Palette)
	if err != nil {
		Error.Printf("%v\n", err)
		metricsCollector.Info.HTTPStatus = 500
		http.Error(w, err.Error(), 500)
		return
	}

	ramp := scale.Ramp()
	img := image.NewRGBA(image.Rect(0, 0, len(ramp), 20))
	for x, c := range ramp {
		for y := 0; y < 20; y++ {
			img.SetRGBA(x, y, c)
		}
	}

	w.Header().Set("Content-Type", "image/png")
	if err := png.Encode(w, img); err != nil {
		Error.Printf("Error encoding legend: %v\n", err)
		metricsCollector.Info.HTTPStatus = 500
	}
}

type indexLayer struct {
	Name      string
	Title     string
	Abstract  string
	Location  string
	NumColors int
}

func serveIndex(w http.ResponseWriter, metricsCollector *metrics.MetricsCollector) {
	var layers []indexLayer
	for _, conf := range configMap {
		for i := range conf.Layers {
			layer := &conf.Layers[i]
			numColors := 0
			if layer.Palette != nil {
				numColors = len(layer.Palette.Colours)
			}
			layers = append(layers, indexLayer{
				Name:      layer.NameSpace + ":" + layer.Name,
				Title:     layer.Title,
				Abstract:  layer.Abstract,
				Location:  layer.StoreLocation,
				NumColors: numColors,
			})
		}
	}

	err := utils.ExecuteWriteTemplateFile(w, layers,
		utils.DataDir+"/templates", "viewer_index.tpl")
	if err != nil {
		metricsCollector.Info.HTTPStatus = 500
		http.Error(w, err.Error(), 500)
	}
}

func parseRemoteAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); len(fwd) > 0 {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return r.RemoteAddr
}

// generalHandler handles every request received on /view
func generalHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate, max-age=0")
	if *verbose {
		Info.Printf("%s\n", r.URL.String())
	}
	ctx := r.Context()

	metricsCollector := metrics.NewMetricsCollector(metricsLogger)
	defer metricsCollector.Log()

	t0 := time.Now()
	metricsCollector.Info.ReqTime = t0.Format(ISOFormat)
	defer func() { metricsCollector.Info.ReqDuration = time.Since(t0) }()

	reqURL, e := url.QueryUnescape(r.URL.String())
	if e == nil {
		metricsCollector.Info.URL.RawURL = reqURL
	} else {
		metricsCollector.Info.URL.RawURL = r.URL.String()
	}

	metricsCollector.Info.RemoteAddr = parseRemoteAddr(r)
	metricsCollector.Info.HTTPStatus = 200

	if r.Method != "GET" {
		metricsCollector.Info.HTTPStatus = 405
		http.Error(w, fmt.Sprintf("%s not supported, the viewer only accepts GET requests", r.Method), 405)
		return
	}

	query := r.URL.Query()

	op := strings.TrimPrefix(r.URL.Path, "/view")
	op = strings.Trim(op, "/")
	if len(op) == 0 {
		serveIndex(w, metricsCollector)
		return
	}

	layerName := query.Get("layer")
	if len(layerName) == 0 {
		metricsCollector.Info.HTTPStatus = 400
		http.Error(w, fmt.Sprintf("Request %s does not contain a 'layer' parameter.", r.URL.String()), 400)
		return
	}

	switch op {
	case "catalog":
		serveCatalog(ctx, layerName, w, metricsCollector)
	case "step":
		serveStep(ctx, layerName, query, w, metricsCollector)
	case "value":
		serveValue(ctx, layerName, query, w, metricsCollector)
	case "legend":
		serveLegend(ctx, layerName, w, metricsCollector)
	default:
		metricsCollector.Info.HTTPStatus = 400
		http.Error(w, fmt.Sprintf("%s not recognised.", op), 400)
	}
}

func main() {
	initViewer()

	http.HandleFunc("/", generalHandler)
	http.HandleFunc("/view", generalHandler)
	http.HandleFunc("/view/", generalHandler)

	Info.Printf("Viewer is ready")
	log.Fatal(http.ListenAndServe(fmt.Sprintf("0.0.0.0:%d", *port), nil))
}
