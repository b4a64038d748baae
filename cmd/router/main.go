package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/vllm-project/llm-router/internal/config"
	"github.com/vllm-project/llm-router/internal/discovery"
	"github.com/vllm-project/llm-router/internal/dynconfig"
	"github.com/vllm-project/llm-router/internal/logging"
	"github.com/vllm-project/llm-router/internal/metrics"
	"github.com/vllm-project/llm-router/internal/policy"
	"github.com/vllm-project/llm-router/internal/proxy"
	"github.com/vllm-project/llm-router/internal/redis"
	"github.com/vllm-project/llm-router/internal/registry"
	"github.com/vllm-project/llm-router/internal/stats"
)

func main() {
	fs := pflag.NewFlagSet("llm-router", pflag.ContinueOnError)
	v := viper.New()
	config.BindFlags(fs, v)
	configFile := fs.String("config", "", "optional YAML config file")
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatalf("invalid CLI arguments: %v", err) // exit code 1 path (spec.md §6)
	}

	cfg, err := config.Load(v, *configFile)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Debug)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	var k8sClient kubernetes.Interface
	if cfg.Discovery.Mode == "cluster" {
		k8sClient, err = buildK8sClient(logger)
		if err != nil {
			logger.Fatal("cluster discovery requested but no Kubernetes client could be built", zap.Error(err))
		}
	}

	var redisClient *redis.Client
	if cfg.Routing.Logic == "session" && cfg.Redis.Addr != "" {
		redisClient, err = redis.NewClient(redis.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, logger)
		if err != nil {
			logger.Warn("session redis write-through disabled: connect failed", zap.Error(err))
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	requestWindow := time.Duration(cfg.Stats.RequestStatsWindowSeconds) * time.Second
	tracker := stats.NewRequestTracker(requestWindow)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// The registry+provider+policy generation built from static CLI/file
	// config. It serves traffic when hot reload is disabled; when a
	// dynamic-config path is set, the watcher's document serves traffic from
	// startup on and this policy is not consulted.
	reg := registry.New()
	provider, err := buildProvider(cfg, reg, k8sClient, logger)
	if err != nil {
		logger.Error("service discovery failed at startup", zap.Error(err))
		os.Exit(2) // exit code 2 (spec.md §6)
	}
	go func() {
		if err := provider.Run(rootCtx); err != nil {
			logger.Error("discovery provider exited", zap.Error(err))
		}
	}()

	scraper := stats.NewEngineScraper(reg, logger,
		time.Duration(cfg.Stats.EngineStatsIntervalSeconds)*time.Second,
		time.Duration(cfg.Stats.ScrapeTimeoutSeconds)*time.Second,
		cfg.Stats.ScrapeFanout)
	go scraper.Run(rootCtx)

	pol, err := buildPolicy(cfg, tracker, scraper, redisClient, logger)
	if err != nil {
		logger.Fatal("failed to build routing policy", zap.Error(err))
	}

	var source proxy.Source
	if cfg.DynamicConfigPath != "" {
		watcher, err := dynconfig.NewWatcher(cfg.DynamicConfigPath, dynconfig.Dependencies{
			Logger:            logger,
			RequestTracker:    tracker,
			EngineScraper:     scraper,
			Redis:             redisClient,
			K8sClient:         k8sClient,
			PrefixOverloadCap: cfg.Routing.PrefixOverloadCap,
		}, 10*time.Second)
		if err != nil {
			logger.Error("failed to load dynamic config", zap.Error(err))
			os.Exit(2)
		}
		go watcher.Run(rootCtx)
		source = watcher
	} else {
		source = dynconfig.NewFixedSource(reg, pol, dynconfig.Document{
			ServiceDiscovery:   cfg.Discovery.Mode,
			RoutingLogic:       cfg.Routing.Logic,
			StaticBackends:     cfg.Discovery.StaticBackends,
			StaticModels:       cfg.Discovery.StaticModels,
			K8sNamespace:       cfg.Discovery.K8sNamespace,
			K8sLabelSelector:   cfg.Discovery.K8sLabelSelector,
			SessionKey:         cfg.Routing.SessionKey,
			PrefillModelLabels: cfg.Routing.PrefillModelLabels,
			DecodeModelLabels:  cfg.Routing.DecodeModelLabels,
		})
	}

	m := metrics.New()
	front := proxy.New(proxy.Config{
		Addr:           fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:    time.Duration(cfg.Server.IdleTimeout) * time.Second,
		ConnectTimeout: 5 * time.Second,
		Debug:          cfg.Server.Debug,
	}, source, tracker, scraper, m, logger)

	errCh := make(chan error, 1)
	front.Start(errCh)

	if cfg.Stats.LogStats {
		go logStatsPeriodically(rootCtx, reg, tracker, logger, time.Duration(cfg.Stats.LogStatsIntervalSeconds)*time.Second)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("proxy front failed", zap.Error(err))
	}

	rootCancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := front.Shutdown(drainCtx); err != nil {
		logger.Error("proxy front forced to shutdown", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func buildProvider(cfg *config.Config, reg *registry.Registry, k8sClient kubernetes.Interface, logger *zap.Logger) (discovery.Provider, error) {
	switch cfg.Discovery.Mode {
	case "static":
		return discovery.NewStatic(discovery.StaticConfig{
			Backends:   cfg.Discovery.StaticBackends,
			Models:     cfg.Discovery.StaticModels,
			ModelTypes: cfg.Discovery.StaticModelTypes,
			Labels:     cfg.Discovery.StaticLabels,
		}, reg)
	case "cluster":
		return discovery.NewCluster(k8sClient, discovery.ClusterConfig{
			Namespace:     cfg.Discovery.K8sNamespace,
			LabelSelector: cfg.Discovery.K8sLabelSelector,
			Port:          cfg.Discovery.K8sPort,
		}, reg, logger)
	default:
		return nil, fmt.Errorf("unknown service-discovery mode %q", cfg.Discovery.Mode)
	}
}

func buildPolicy(cfg *config.Config, tracker *stats.RequestTracker, scraper *stats.EngineScraper, redisClient *redis.Client, logger *zap.Logger) (policy.Policy, error) {
	switch cfg.Routing.Logic {
	case "roundrobin":
		return policy.NewRoundRobin(), nil
	case "least_loaded":
		return policy.NewLeastLoaded(tracker, scraper), nil
	case "session":
		return policy.NewSession(redisClient, logger, policy.NewRoundRobin())
	case "prefix":
		return policy.NewPrefix(tracker, cfg.Routing.PrefixOverloadCap, policy.NewLeastLoaded(tracker, scraper))
	case "disaggregated_prefill":
		return policy.NewDisaggregated(cfg.Routing.PrefillModelLabels, cfg.Routing.DecodeModelLabels, nil, nil)
	default:
		return nil, fmt.Errorf("unknown routing-logic %q", cfg.Routing.Logic)
	}
}

// buildK8sClient mirrors the teacher's in-cluster-then-kubeconfig fallback
// (cmd/api/main.go), generalized from an optional sidecar client to the
// one this router's cluster discovery provider requires.
func buildK8sClient(logger *zap.Logger) (kubernetes.Interface, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfigPath := os.Getenv("KUBECONFIG")
		if kubeconfigPath == "" {
			kubeconfigPath = os.Getenv("HOME") + "/.kube/config"
		}
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
		if err != nil {
			return nil, fmt.Errorf("no in-cluster config and no usable kubeconfig: %w", err)
		}
		logger.Info("using kubeconfig for cluster discovery", zap.String("path", kubeconfigPath))
	}
	return kubernetes.NewForConfig(restCfg)
}

func logStatsPeriodically(ctx context.Context, reg *registry.Registry, tracker *stats.RequestTracker, logger *zap.Logger, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ep := range reg.Current().Endpoints() {
				w := tracker.Window(ep.URL, time.Now())
				logger.Info("backend stats",
					zap.String("backend", ep.URL),
					zap.String("model", ep.Model),
					zap.Int64("started", w.Started),
					zap.Int64("finished", w.Finished),
					zap.Int64("in_flight", tracker.InFlight(ep.URL)),
					zap.Float64("mean_latency_ms", w.MeanLatencyMs),
				)
			}
		}
	}
}
