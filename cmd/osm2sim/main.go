package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LdDl/osm2sim"
	"github.com/LdDl/osm2sim/config"
	"github.com/LdDl/osm2sim/observability"
	"github.com/LdDl/osm2sim/reporting"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	configFile = flag.String("config", "osm2sim.yml", "Filename of YAML configuration. Values can be overridden by OSM2SIM_* environment variables")
)

func main() {

	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("osm2sim failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st := time.Now()
	net, osmRecords, err := osm2sim.LoadNetworkFromOSM(ctx, cfg.Network.Path, cfg.OsmConfiguration(), logger)
	if err != nil {
		return errors.Wrap(err, "Can't load road network")
	}
	logger.Info("network loaded", "elements", len(net.Elements), "osm_records", len(osmRecords), "elapsed", time.Since(st))

	sources, err := loadSources(cfg, osmRecords)
	if err != nil {
		return err
	}
	cells, err := loadCells(cfg, net.CRS)
	if err != nil {
		return err
	}

	pipelineCfg, err := cfg.PipelineConfig()
	if err != nil {
		return err
	}
	compression, err := osm2sim.ParseCompression(cfg.Output.Compression)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Output.Dir, 0755); err != nil {
		return errors.Wrap(err, "Can't create output directory")
	}
	writer := osm2sim.NewArtifactWriter(cfg.Output.Dir, osm2sim.WithCompression(compression), osm2sim.WithArtifactLogger(logger))

	metrics := observability.NewMetrics(nil)
	pipeline, err := osm2sim.NewPipeline(pipelineCfg, writer,
		osm2sim.WithPipelineLogger(logger),
		osm2sim.WithMetrics(metrics),
		osm2sim.WithPipelineTransform(osm2sim.TransformWGS84ToWebMercator),
	)
	if err != nil {
		return err
	}
	out, runErr := pipeline.Run(ctx, net, sources, cells)

	sinks := []reporting.Sink{reporting.NewLogSink(logger)}
	if len(cfg.Report.KafkaBrokers) > 0 {
		kafkaSink, err := reporting.NewKafkaSink(cfg.Report.KafkaBrokers, cfg.Report.KafkaTopic, logger)
		if err != nil {
			return err
		}
		sinks = append(sinks, kafkaSink)
	}
	for _, sink := range sinks {
		if out.Run.Finalized() {
			if err := sink.Publish(ctx, out.Run); err != nil {
				logger.Error("can't publish run report", "error", err)
			}
		}
		if err := sink.Close(); err != nil {
			logger.Error("can't close report sink", "error", err)
		}
	}

	if cfg.Output.MetricsFile != "" {
		if err := prometheus.WriteToTextfile(cfg.Output.MetricsFile, prometheus.DefaultGatherer); err != nil {
			logger.Error("can't write metrics file", "error", err)
		}
	}
	return runErr
}

// loadSources reads every configured dataset. Records found in the OSM extract become one source per kind
func loadSources(cfg *config.Config, osmRecords []osm2sim.ExternalRecord) ([]osm2sim.SourceInput, error) {
	recordsSources, err := cfg.RecordsSources()
	if err != nil {
		return nil, err
	}
	sources := make([]osm2sim.SourceInput, 0, len(recordsSources)+2)
	for _, src := range recordsSources {
		records, err := osm2sim.LoadRecordsFile(src)
		if err != nil {
			return nil, errors.Wrapf(err, "Can't load source '%s'", src.Name)
		}
		sources = append(sources, osm2sim.SourceInput{Name: src.Name, Kind: src.Kind, Records: records})
	}

	byKind := make(map[osm2sim.RecordKind][]osm2sim.ExternalRecord)
	for _, record := range osmRecords {
		byKind[record.Kind] = append(byKind[record.Kind], record)
	}
	for _, kind := range []osm2sim.RecordKind{osm2sim.RECORD_PARKING, osm2sim.RECORD_BIKE_PARKING, osm2sim.RECORD_AMENITY, osm2sim.RECORD_TRAFFIC_SIGNAL} {
		if len(byKind[kind]) == 0 {
			continue
		}
		sources = append(sources, osm2sim.SourceInput{
			Name:    osm2sim.OSM_RECORDS_SOURCE + "/" + kind.String(),
			Kind:    kind,
			Records: byKind[kind],
		})
	}
	return sources, nil
}

// loadCells reads population cells and converts centroids into network coordinates
func loadCells(cfg *config.Config, networkCRS osm2sim.CoordinateSystem) ([]osm2sim.PopulationCell, error) {
	cells := cfg.Population.InlineCells()
	if cfg.Population.Path != "" {
		file, err := os.Open(cfg.Population.Path)
		if err != nil {
			return nil, errors.Wrap(err, "Can't open population file")
		}
		defer file.Close()
		fromFile, err := osm2sim.ReadPopulationCSV(file)
		if err != nil {
			return nil, errors.Wrap(err, "Can't read population file")
		}
		cells = append(cells, fromFile...)
	}
	crs, err := osm2sim.ParseCoordinateSystem(cfg.Population.CRS)
	if err != nil {
		return nil, err
	}
	if err := osm2sim.ReprojectCells(cells, crs, networkCRS); err != nil {
		return nil, errors.Wrap(err, "Can't convert population cells into network coordinates")
	}
	return cells, nil
}
