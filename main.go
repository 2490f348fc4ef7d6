package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	appAllocation "github.com/shadowroute/vpnshop/internal/application/allocation"
	appAuth "github.com/shadowroute/vpnshop/internal/application/auth"
	appMonitor "github.com/shadowroute/vpnshop/internal/application/monitor"
	appPayment "github.com/shadowroute/vpnshop/internal/application/payment"
	appVPN "github.com/shadowroute/vpnshop/internal/application/vpn"
	"github.com/shadowroute/vpnshop/internal/clock"
	dominv "github.com/shadowroute/vpnshop/internal/domain/inventory"
	domoracle "github.com/shadowroute/vpnshop/internal/domain/oracle"
	dompay "github.com/shadowroute/vpnshop/internal/domain/payment"
	domuser "github.com/shadowroute/vpnshop/internal/domain/user"
	"github.com/shadowroute/vpnshop/internal/infrastructure/id"
	"github.com/shadowroute/vpnshop/internal/infrastructure/memory"
	infraobs "github.com/shadowroute/vpnshop/internal/infrastructure/observability"
	"github.com/shadowroute/vpnshop/internal/infrastructure/observability/oteltrace"
	"github.com/shadowroute/vpnshop/internal/infrastructure/observability/prometrics"
	"github.com/shadowroute/vpnshop/internal/infrastructure/observability/zaplogger"
	infraoracle "github.com/shadowroute/vpnshop/internal/infrastructure/oracle"
	"github.com/shadowroute/vpnshop/internal/infrastructure/outbox"
	"github.com/shadowroute/vpnshop/internal/infrastructure/postgres"
	"github.com/shadowroute/vpnshop/internal/observability"
	"github.com/shadowroute/vpnshop/internal/pkg/logging"
	httppresentation "github.com/shadowroute/vpnshop/internal/presentation/http"
)

func main() {
	serviceName := getenvDefault("SERVICE_NAME", "vpnshop")
	env := getenvDefault("ENV", "dev")
	baseLogger := logging.MustNewLogger(serviceName, env)
	defer func() { _ = baseLogger.Sync() }()
	zap.ReplaceGlobals(baseLogger)

	systemLogger := logging.WithTrace(baseLogger, logging.SystemTraceID, logging.SystemSpanID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel := buildTelemetry(serviceName, baseLogger)

	ledger, pool, users, err := buildRepositories(ctx, systemLogger)
	if err != nil {
		systemLogger.Fatal("storage_init_failed", zap.Error(err))
	}

	clk := clock.NewSystem()
	idGen := id.NewUUIDGenerator()
	oracleClient := buildOracle(systemLogger, tel)

	bus := outbox.NewBus(tel.Logger())
	bus.Start(context.Background())
	defer bus.Stop(context.Background())

	engine := appAllocation.NewEngine(pool, clk, bus, tel)

	if seeded, err := appAllocation.SeedAddressRange(ctx, pool, idGen,
		getenvDefault("ADDR_POOL_START", "10.8.0.2"),
		getenvDefault("ADDR_POOL_END", "10.8.0.254"),
	); err != nil {
		systemLogger.Fatal("pool_seed_failed", zap.Error(err))
	} else if seeded > 0 {
		systemLogger.Info("pool_seeded", zap.Int("units", seeded))
	}

	monthlyPrice, err := decimal.NewFromString(getenvDefault("MONTHLY_PRICE_BTC", "0.001"))
	if err != nil {
		systemLogger.Fatal("invalid_monthly_price", zap.Error(err))
	}
	pendingWindow := getenvDuration(systemLogger, "PENDING_WINDOW", 24*time.Hour)

	paymentService := appPayment.NewService(ledger, engine, oracleClient, clk, idGen, tel,
		appPayment.WithMonthlyPrice(monthlyPrice),
		appPayment.WithPendingWindow(pendingWindow),
	)
	confirmer := appPayment.NewConfirmer(ledger, engine, clk, bus, tel)
	authService := appAuth.NewService(users, clk, idGen, mustGetenv(systemLogger, "JWT_SECRET"), tel)

	provisioner := appVPN.NewProvisioner(pool, clk, tel)
	provisioner.Register(bus)

	mon := appMonitor.New(ledger, oracleClient, confirmer, engine, clk, tel,
		appMonitor.WithInterval(getenvDuration(systemLogger, "MONITOR_INTERVAL", 30*time.Second)),
		appMonitor.WithPendingWindow(pendingWindow),
		appMonitor.WithOracleTimeout(getenvDuration(systemLogger, "ORACLE_TIMEOUT", 10*time.Second)),
	)
	mon.Start(ctx)
	defer mon.Stop()

	handler := httppresentation.NewHandler(authService, paymentService, engine, provisioner, tel)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", handler.Router())

	server := &http.Server{
		Addr:    getenvDefault("ADDR", ":8080"),
		Handler: mux,
	}

	go func() {
		systemLogger.Info("http_server_start",
			zap.String("addr", server.Addr),
		)
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			systemLogger.Error("http_server_error",
				zap.Error(err),
			)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		systemLogger.Error("http_server_shutdown_error",
			zap.Error(err),
		)
	} else {
		systemLogger.Info("http_server_stopped")
	}
}

func buildTelemetry(serviceName string, baseLogger *zap.Logger) observability.Observability {
	reg := prometrics.New(serviceName, "")

	counters := map[observability.MetricKey]observability.Counter{
		observability.MUsecaseRequests: reg.Counter(string(observability.MUsecaseRequests),
			"Total number of use case invocations.", "use_case", "outcome"),
		observability.MHTTPRequests: reg.Counter(string(observability.MHTTPRequests),
			"Total number of HTTP requests.", "method", "route", "status"),
		observability.MOracleRequests: reg.Counter(string(observability.MOracleRequests),
			"Total number of chain oracle requests.", "op", "outcome"),
		observability.MMonitorPaymentsChecked: reg.Counter(string(observability.MMonitorPaymentsChecked),
			"Pending payments evaluated by the monitor."),
		observability.MIntegrityViolations: reg.Counter(string(observability.MIntegrityViolations),
			"Ledger/inventory disagreements needing operator attention."),
		observability.MUnitsReserved: reg.Counter(string(observability.MUnitsReserved),
			"Inventory units reserved.", "location"),
		observability.MUnitsReleased: reg.Counter(string(observability.MUnitsReleased),
			"Inventory units returned to the free pool.", "reason"),
	}
	histograms := map[observability.MetricKey]observability.Histogram{
		observability.MUsecaseDuration: reg.Histogram(string(observability.MUsecaseDuration),
			"Duration of use case execution in seconds.", prometheus.DefBuckets, "use_case"),
		observability.MHTTPRequestDuration: reg.Histogram(string(observability.MHTTPRequestDuration),
			"Duration of HTTP requests in seconds.", prometheus.DefBuckets, "method", "route", "status"),
		observability.MOracleRequestDuration: reg.Histogram(string(observability.MOracleRequestDuration),
			"Duration of chain oracle requests in seconds.", prometheus.DefBuckets, "op"),
		observability.MMonitorTickDuration: reg.Histogram(string(observability.MMonitorTickDuration),
			"Duration of a full monitor tick in seconds.", prometheus.DefBuckets),
	}

	return infraobs.New(
		oteltrace.New(serviceName),
		zaplogger.Wrap(baseLogger),
		counters,
		histograms,
	)
}

// buildRepositories picks Postgres when DATABASE_URL is set and falls back to
// the in-memory stores otherwise.
func buildRepositories(ctx context.Context, log *zap.Logger) (dompay.Repository, dominv.Repository, domuser.Repository, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Info("storage_memory")
		return memory.NewPaymentRepository(), memory.NewInventoryRepository(), memory.NewUserRepository(), nil
	}

	dbpool, err := postgres.Connect(ctx, dsn)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := postgres.Migrate(ctx, dbpool); err != nil {
		return nil, nil, nil, err
	}
	log.Info("storage_postgres")
	return postgres.NewPaymentRepository(dbpool), postgres.NewInventoryRepository(dbpool), postgres.NewUserRepository(dbpool), nil
}

// buildOracle talks to an esplora-style index when ORACLE_URL is set; without
// one it runs against the scripted fake, which never reports deposits.
func buildOracle(log *zap.Logger, tel observability.Observability) domoracle.Client {
	baseURL := os.Getenv("ORACLE_URL")
	if baseURL == "" {
		log.Warn("oracle_fake_in_use")
		return infraoracle.NewFake()
	}

	var source infraoracle.AddressSource
	if addrs := os.Getenv("ORACLE_ADDRESSES"); addrs != "" {
		source = infraoracle.NewStaticAddressBook(strings.Split(addrs, ","))
	}
	log.Info("oracle_esplora", zap.String("url", baseURL))
	return infraoracle.NewEsplora(baseURL, os.Getenv("ORACLE_PRICE_URL"), source, infraoracle.WithTelemetry(tel))
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvDuration(log *zap.Logger, key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatal("invalid_duration", zap.String("key", key), zap.Error(err))
	}
	return d
}

func mustGetenv(log *zap.Logger, key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatal("missing_env", zap.String("key", key))
	}
	return v
}
