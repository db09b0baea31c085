package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/deadops/deadops/internal/agent"
	"github.com/deadops/deadops/internal/agents/notify"
	"github.com/deadops/deadops/internal/agents/pipeline"
	"github.com/deadops/deadops/internal/agents/threat"
	"github.com/deadops/deadops/internal/bridge"
	"github.com/deadops/deadops/internal/bus"
	"github.com/deadops/deadops/internal/config"
	"github.com/deadops/deadops/internal/coordinator"
	"github.com/deadops/deadops/internal/monitor"
	"github.com/deadops/deadops/internal/state"
	"github.com/deadops/deadops/internal/store"
)

// Agent ids used when wiring the built-in agents.
const (
	threatID   = "threat-detector"
	pipelineID = "pipeline"
	notifierID = "notifier"
	monitorID  = "monitor"
)

// routedTypes are the envelope types the coordinator hands to their To agent.
var routedTypes = []agent.MessageType{
	agent.LogEvent,
	agent.ThreatAlert,
	agent.AlertTriggered,
	agent.PolicyViolation,
	agent.IncidentReport,
	agent.DeploymentRequest,
	agent.WorkflowStart,
}

// system is a fully wired deadops node.
type system struct {
	cfg      *config.Config
	bus      *bus.MessageBus
	coord    *coordinator.SystemCoordinator
	state    *state.SystemState
	store    *store.Store
	redis    *state.RedisSink
	bridge   *bridge.Bridge
	reporter *monitor.Reporter

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// buildSystem wires every enabled component from cfg. Nothing is started.
func buildSystem(cfg *config.Config) (*system, error) {
	policy, err := bus.ParseOverflowPolicy(cfg.Bus.Overflow)
	if err != nil {
		return nil, err
	}
	s := &system{cfg: cfg}
	s.bus = bus.New(bus.Options{QueueSize: cfg.Bus.QueueSize, Overflow: policy})

	var sinks []state.Sink
	var recorder coordinator.WorkflowRecorder
	if cfg.Store.Enabled {
		st, err := openStore(cfg)
		if err != nil {
			return nil, err
		}
		s.store = st
		sinks = append(sinks, st)
		recorder = st
		if cfg.Store.Audit {
			s.bus.Tap(st.RecordMessage)
		}
	}
	if cfg.Redis.Enabled {
		s.redis = state.NewRedisSink(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix, cfg.Redis.TTL)
		sinks = append(sinks, s.redis)
	}
	s.state = state.New(sinks...)
	s.coord = coordinator.New(s.bus, recorder)

	alertTo := ""
	if cfg.Slack.Enabled {
		alertTo = notifierID
	}

	if cfg.Threat.Enabled {
		var rules []threat.Rule
		if cfg.Threat.RulesFile != "" {
			path, err := config.ExpandHome(cfg.Threat.RulesFile)
			if err != nil {
				s.close()
				return nil, err
			}
			if rules, err = threat.LoadRules(path); err != nil {
				s.close()
				return nil, err
			}
		}
		s.coord.RegisterAgent(threatID, threat.New(threat.Options{
			ID:      threatID,
			Rules:   rules,
			AlertTo: alertTo,
			Bus:     s.bus,
		}))
	}
	if cfg.Pipeline.Enabled {
		client := pipeline.NewJenkinsClient(cfg.Pipeline.BaseURL, cfg.Pipeline.Username, cfg.Pipeline.APIToken)
		s.coord.RegisterAgent(pipelineID, pipeline.New(client, pipeline.Options{
			ID:           pipelineID,
			PollInterval: cfg.Pipeline.PollInterval,
			EnabledJobs:  cfg.Pipeline.EnabledJobs,
			AlertTo:      alertTo,
			Bus:          s.bus,
		}))
	}
	if cfg.Slack.Enabled {
		s.coord.RegisterAgent(notifierID, notify.New(notify.NewSlackClient(cfg.Slack.Token, cfg.Slack.APIBase), notify.Options{
			ID:        notifierID,
			Channel:   cfg.Slack.Channel,
			Incidents: s.state,
		}))
	}
	s.coord.Route(routedTypes...)

	if cfg.Kafka.Enabled {
		b, err := dialBridge(cfg.Kafka, s.bus)
		if err != nil {
			s.close()
			return nil, err
		}
		s.bridge = b
		s.bus.Tap(b.Observe)
	}

	if cfg.Monitor.Enabled {
		s.reporter = monitor.NewReporter(monitor.Config{
			Interval:        cfg.Monitor.Interval,
			HealthThreshold: cfg.Monitor.HealthThreshold,
			ID:              monitorID,
			AlertTo:         alertTo,
		}, s.coord, s.state, s.bus)
	}
	return s, nil
}

func dialBridge(kc config.KafkaConfig, pub bridge.Publisher) (*bridge.Bridge, error) {
	codec, err := bridge.ParseCodec(kc.Codec)
	if err != nil {
		return nil, err
	}
	var types []agent.MessageType
	for _, name := range kc.Types {
		t, err := agent.ParseMessageType(name)
		if err != nil {
			return nil, fmt.Errorf("kafka.types: %w", err)
		}
		types = append(types, t)
	}
	auth := bridge.Auth{
		SASLMechanism: kc.SASLMechanism,
		Username:      kc.Username,
		Password:      kc.Password,
		TLS:           kc.TLS,
		CAFile:        kc.CAFile,
	}
	return bridge.Dial(kc.Brokers, kc.Topic, kc.GroupID, auth, bridge.Options{
		NodeID: kc.NodeID,
		Codec:  codec,
		Types:  types,
	}, pub)
}

// start starts the coordinator and the optional bridge and reporter loops.
func (s *system) start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	if err := s.coord.Start(ctx); err != nil {
		cancel()
		return err
	}
	s.cancel = cancel

	if s.bridge != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("Kafka bridge exited", "error", err)
			}
		}()
	}
	if s.reporter != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_ = s.reporter.Run(ctx)
		}()
	}
	return nil
}

// stop stops agents, waits for loops and releases every resource.
func (s *system) stop() error {
	var errs []error
	if err := s.coord.Stop(); err != nil {
		errs = append(errs, err)
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if err := s.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *system) close() error {
	var errs []error
	if s.bridge != nil {
		if err := s.bridge.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bridge: %w", err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
