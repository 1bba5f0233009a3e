package system

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/orharazi/Scratch-Desk-sub002/internal/api/rest"
	"github.com/orharazi/Scratch-Desk-sub002/internal/api/websocket"
	"github.com/orharazi/Scratch-Desk-sub002/internal/auth"
	"github.com/orharazi/Scratch-Desk-sub002/internal/config"
	"github.com/orharazi/Scratch-Desk-sub002/internal/hardware"
	"github.com/orharazi/Scratch-Desk-sub002/internal/hardware/modbusio"
	"github.com/orharazi/Scratch-Desk-sub002/internal/hardware/sim"
	"github.com/orharazi/Scratch-Desk-sub002/internal/interfaces"
	"github.com/orharazi/Scratch-Desk-sub002/internal/machine"
	"github.com/orharazi/Scratch-Desk-sub002/internal/program"
	"github.com/orharazi/Scratch-Desk-sub002/internal/safety"
	"github.com/orharazi/Scratch-Desk-sub002/internal/storage"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/compiler"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/engine"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/executor"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/streaming"
)

// executionJournal is written by the journal and read by the REST history
// endpoints.
type executionJournal interface {
	storage.JournalWriter
	interfaces.ExecutionHistory
}

const (
	journalQueueSize     = 1024
	stateChangeBuffer    = 64
	restShutdownDeadline = 5 * time.Second
)

type LifecycleManager struct {
	config *config.Config
	logger *zap.Logger

	db          *storage.PostgresClient
	localDB     *storage.SQLiteExecutionStore
	executions  executionJournal
	validator   *program.Validator
	programs    program.Repository
	mux         *hardware.Mux
	bus         *streaming.EventBus
	monitor     *safety.Monitor
	engine      *engine.Engine
	controller  *machine.Controller
	authService *auth.AuthService
	hub         *websocket.Hub
	journal     *storage.Journal

	restServer *rest.Server
	grpcServer *grpc.Server

	// background goroutines (monitor, journal, hub) live until Shutdown
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stateMu      sync.RWMutex
	currentState SystemState

	shutdownOnce sync.Once
}

var _ interfaces.LifecycleManager = (*LifecycleManager)(nil)

func NewLifecycleManager(cfg *config.Config, logger *zap.Logger) *LifecycleManager {
	return &LifecycleManager{
		config:       cfg,
		logger:       logger,
		currentState: StateInitializing,
	}
}

// Start wires the desk and starts the gRPC and REST servers.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting scratch desk",
		zap.String("hardware_mode", lm.config.Hardware.Mode),
		zap.Bool("database_enabled", lm.config.Database.Enabled),
		zap.Bool("auth_enabled", lm.config.Auth.Enabled))

	if err := lm.Initialize(ctx); err != nil {
		return err
	}

	if err := lm.startGRPCServer(); err != nil {
		lm.setError(fmt.Errorf("failed to start gRPC: %w", err))
		return err
	}

	if err := lm.startRESTServer(); err != nil {
		lm.setError(fmt.Errorf("failed to start REST API: %w", err))
		return err
	}

	lm.setState(StateRunning)

	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort))

	return nil
}

// initialize builds every component without opening a listener.
func (lm *LifecycleManager) initialize(ctx context.Context) error {
	cfg := lm.config

	runCtx, cancel := context.WithCancel(context.Background())
	lm.cancel = cancel

	mode := hardware.Mode(cfg.Hardware.Mode)
	backend, err := lm.openBackend(ctx, mode)
	if err != nil {
		return fmt.Errorf("open %s backend: %w", mode, err)
	}
	lm.mux = hardware.NewMux(mode, backend)

	lm.bus = streaming.NewEventBus(lm.logger.Named("events"), cfg.Execution.EventQueueSize)

	lm.monitor = safety.NewMonitor(lm.mux, lm.bus, safety.Config{
		TickInterval:      cfg.Safety.TickInterval,
		TransitionPoll:    cfg.Safety.TransitionPoll,
		TransitionTimeout: cfg.Safety.TransitionTimeout,
	}, lm.logger.Named("safety"))

	lm.engine = engine.NewEngine(lm.mux, executor.Timeouts{
		Move:       cfg.Execution.MoveTimeout,
		Tool:       cfg.Execution.ToolTimeout,
		Sensor:     cfg.Execution.SensorTimeout,
		SensorPoll: cfg.Execution.SensorPollInterval,
	}, lm.monitor, lm.bus, lm.logger.Named("engine"))

	if err := lm.initPrograms(ctx); err != nil {
		return err
	}

	operators, err := lm.initOperators(ctx)
	if err != nil {
		return err
	}

	stateManager := machine.NewStateManager(lm.logger.Named("machine"))
	lm.controller = machine.NewController(
		lm.logger.Named("controller"),
		lm.engine,
		lm.programs,
		lm.mux,
		stateManager,
		lm.openBackend,
		compiler.Options{
			PaperOffsetX: cfg.Compiler.PaperOffsetX,
			PaperOffsetY: cfg.Compiler.PaperOffsetY,
		},
		cfg.Hardware.HomingTimeout,
	)
	lm.bus.AddObserver("machine", lm.controller.HandleEvent)

	lm.monitor.OnViolation(func(v *safety.Violation) {
		lm.controller.EmergencyStop(v.SafetyCode(), v.Message)
	})
	lm.goRun(func() { lm.monitor.Run(runCtx) })

	if lm.executions != nil {
		lm.journal = storage.NewJournal(lm.executions, lm.controller, journalQueueSize, lm.logger.Named("journal"))
		lm.bus.AddObserver("journal", lm.journal.Observe)
		lm.goRun(func() { lm.journal.Run(runCtx) })
	}

	lm.authService = auth.NewAuthService(operators, cfg.Auth, lm.logger.Named("auth"))
	if cfg.Auth.Enabled && !cfg.Auth.IsProductionReady() {
		lm.logger.Warn("JWT secret is not production ready",
			zap.String("env", cfg.Auth.JWTSecretEnv))
	}

	lm.hub = websocket.NewHub(lm.logger.Named("websocket"), lm.authService, lm.controller)
	lm.bus.AddObserver("websocket", lm.hub.ObserveEvent)
	lm.goRun(func() { lm.hub.Run(runCtx) })
	changes := stateManager.Subscribe(stateChangeBuffer)
	lm.goRun(func() {
		lm.hub.ForwardStateChanges(runCtx, changes)
		stateManager.Unsubscribe(changes)
	})

	return nil
}

func (lm *LifecycleManager) goRun(fn func()) {
	lm.wg.Add(1)
	go func() {
		defer lm.wg.Done()
		fn()
	}()
}

// openBackend is the controller's BackendFactory.
func (lm *LifecycleManager) openBackend(ctx context.Context, mode hardware.Mode) (hardware.Hardware, error) {
	switch mode {
	case hardware.ModeSimulation:
		return sim.New(sim.Config{
			MoveDelay: lm.config.Hardware.SimMoveDelay,
			ToolDelay: lm.config.Hardware.SimToolDelay,
		}, lm.logger.Named("sim")), nil
	case hardware.ModeModbus:
		desk, err := modbusio.Open(ctx, lm.config.Modbus, lm.logger.Named("modbus"))
		if err != nil {
			return nil, err
		}
		return desk, nil
	default:
		return nil, fmt.Errorf("unknown hardware mode: %s", mode)
	}
}

// initPrograms loads the program files. With a database the files seed the
// programs table and the table becomes the repository.
func (lm *LifecycleManager) initPrograms(ctx context.Context) error {
	loader, err := program.NewLoader(lm.config.Programs.SearchPaths)
	if err != nil {
		return err
	}
	lm.validator = loader.Validator()

	programs, err := loader.LoadAll()
	if err != nil {
		return fmt.Errorf("failed to load programs: %w", err)
	}
	lm.logger.Info("Programs loaded",
		zap.Strings("search_paths", lm.config.Programs.SearchPaths),
		zap.Int("count", len(programs)))

	if !lm.config.Database.Enabled {
		lm.programs = program.NewCatalog(programs...)
		if path := lm.config.Database.SQLitePath; path != "" {
			local, err := storage.OpenSQLite(path)
			if err != nil {
				return err
			}
			lm.localDB = local
			lm.executions = local
			lm.logger.Info("Execution journal on SQLite", zap.String("path", path))
		}
		return nil
	}

	db, err := storage.NewPostgresClient(ctx, lm.config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	lm.db = db
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	store := storage.NewProgramStore(db)
	imported, err := store.Import(ctx, programs)
	if err != nil {
		return fmt.Errorf("failed to import programs: %w", err)
	}
	lm.logger.Info("Program files imported", zap.Int("new", imported))

	lm.programs = store
	lm.executions = storage.NewExecutionStore(db)
	return nil
}

// initOperators returns the login store. Configured operators are upserted
// into the database when one is available.
func (lm *LifecycleManager) initOperators(ctx context.Context) (auth.OperatorStore, error) {
	if lm.db == nil {
		return auth.NewMemoryOperatorStore(lm.config.Auth.Operators), nil
	}

	store := storage.NewOperatorStore(lm.db)
	for _, op := range lm.config.Auth.Operators {
		role := op.Role
		if role == "" {
			role = string(auth.RoleOperator)
		}
		if err := store.UpsertOperator(ctx, op.Username, op.PINHash, role); err != nil {
			return nil, fmt.Errorf("failed to store operator %s: %w", op.Username, err)
		}
	}
	return store, nil
}

// Shutdown stops the servers, forces the tools safe and closes the backend.
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")
		lm.setState(StateStopping)

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var wg sync.WaitGroup
	errChan := make(chan error, 2)

	if lm.restServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shutdownCtx, cancel := context.WithTimeout(ctx, restShutdownDeadline)
			defer cancel()

			if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
				errChan <- fmt.Errorf("rest api shutdown failed: %w", err)
			}
		}()
	}

	if lm.grpcServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm.logger.Info("Stopping gRPC server")
			lm.grpcServer.GracefulStop()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		if lm.grpcServer != nil {
			lm.grpcServer.Stop()
		}
		errs = append(errs, fmt.Errorf("shutdown timeout exceeded"))
	}
	close(errChan)
	for err := range errChan {
		errs = append(errs, err)
	}

	if lm.engine != nil && lm.engine.State().IsActive() {
		if err := lm.controller.Stop(); err != nil {
			lm.logger.Warn("Failed to stop run", zap.Error(err))
		}
	}
	if lm.mux != nil {
		if err := lm.mux.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("hardware shutdown failed: %w", err))
		}
	}

	if lm.cancel != nil {
		lm.cancel()
	}
	lm.wg.Wait()
	if lm.bus != nil {
		lm.bus.Close()
	}
	if lm.db != nil {
		lm.db.Close()
	}
	if lm.localDB != nil {
		if err := lm.localDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("journal close failed: %w", err))
		}
	}

	if len(errs) == 0 {
		lm.logger.Info("Graceful shutdown completed")
	}
	return errors.Join(errs...)
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	lm.grpcServer = grpc.NewServer()
	streaming.NewStatusService(lm.bus, lm.controller, lm.logger.Named("grpc")).Register(lm.grpcServer)

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.Int("port", lm.config.Server.GRPCPort),
			zap.String("services", streaming.StatusServiceName))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

func (lm *LifecycleManager) startRESTServer() error {
	lm.restServer = rest.NewServer(lm.config, lm, lm.logger.Named("rest"), lm.hub, lm.authService)
	return lm.restServer.Start()
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Unexpected system transition", zap.Error(err))
	}
	lm.currentState = state
}

func (lm *LifecycleManager) setError(err error) {
	lm.logger.Error("System error", zap.Error(err))
	lm.setState(StateError)
}

func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

func (lm *LifecycleManager) GetCurrentStatus(ctx context.Context) interfaces.SystemStatus {
	status := interfaces.SystemStatus{
		State:           lm.State().String(),
		DatabaseEnabled: lm.db != nil,
	}
	if lm.controller != nil {
		status.MachineState = string(lm.controller.StateManager().State())
	}
	if lm.mux != nil {
		status.HardwareMode = string(lm.mux.Mode())
	}
	if lm.hub != nil {
		status.ConnectedClients = lm.hub.GetClientCount()
	}
	if lm.programs != nil {
		programs, err := lm.programs.List(ctx)
		if err != nil {
			lm.logger.Warn("Failed to count programs", zap.Error(err))
		} else {
			status.ProgramCount = len(programs)
		}
	}
	return status
}

func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

func (lm *LifecycleManager) MachineController() *machine.Controller {
	return lm.controller
}

func (lm *LifecycleManager) ProgramValidator() *program.Validator {
	return lm.validator
}

func (lm *LifecycleManager) Executions() interfaces.ExecutionHistory {
	if lm.executions == nil {
		return nil
	}
	return lm.executions
}

// Bus and Hardware expose the wiring to the command line simulator.
func (lm *LifecycleManager) Bus() *streaming.EventBus {
	return lm.bus
}

func (lm *LifecycleManager) Hardware() *hardware.Mux {
	return lm.mux
}

// Initialize builds every component without starting the servers.
func (lm *LifecycleManager) Initialize(ctx context.Context) error {
	if err := lm.initialize(ctx); err != nil {
		lm.setError(err)
		return err
	}
	return nil
}
