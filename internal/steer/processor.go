package steer

import (
	"math"
	"sync"

	"github.com/agsteer/agsteer/internal/kickout"
	"github.com/agsteer/agsteer/internal/logger"
	"github.com/agsteer/agsteer/internal/metrics"
	"github.com/agsteer/agsteer/internal/motor"
	"github.com/agsteer/agsteer/internal/pgn"
	"github.com/agsteer/agsteer/internal/sensors"
	"github.com/agsteer/agsteer/internal/store"
	"go.uber.org/zap"
)

// MotorState is the control-loop state machine.
type MotorState int

const (
	Disabled MotorState = iota
	SoftStart
	NormalControl
)

func (s MotorState) String() string {
	switch s {
	case SoftStart:
		return "soft-start"
	case NormalControl:
		return "normal"
	}
	return "disabled"
}

// Loop timing. Rate separation is by deadline comparison, not preemption.
const (
	LoopPeriodMS   = 10  // 100 Hz
	StatusPeriodMS = 100 // 10 Hz

	WatchdogMS        = 1500
	KickoutCooldownMS = 2000

	SoftStartDurationMS   = 250
	SoftStartPeakFraction = 0.7

	minSpeedKMH = 0.1

	// Ticks of guidance-inactive before the armed state drops. The ground
	// station clears the bit briefly at line ends; dropping instantly
	// would disarm mid-pass.
	disarmDelayTicks = 30

	deadZonePct = 0.1
)

// Store keys for the persisted wire payloads.
const (
	storeKeyConfig   = "steer_config"
	storeKeySettings = "steer_settings"
	storeKeySubnet   = "net_subnet"
)

// Processor runs the 100 Hz control loop: sample the wheel angle, evaluate
// the engage conditions, drive the state machine, shape the motor command
// and emit the status frame at 10 Hz.
type Processor struct {
	mu sync.Mutex

	cfg      Config
	settings Settings

	sensors *sensors.ADProcessor
	driver  motor.Driver
	monitor *kickout.Monitor
	sink    pgn.Sender
	store   store.Store
	metrics *metrics.Metrics
	pid     *PID
	filter  WasFilter

	// guidance inputs, updated by the 254 handler
	targetAngle      float32
	vehicleSpeedKMH  float32
	guidanceActive   bool
	autosteerEnabled bool
	crossTrackError  int8
	machineSections  uint16
	last254MS        int64
	guidanceChanged  bool
	prevGuidance     bool

	// operator intent
	armed         bool
	switchCounter int
	lastButton    bool

	// loop state
	state            MotorState
	motorSpeed       float32 // signed percent
	currentAngle     float32
	softStartBeginMS int64
	kickoutLatchMS   int64
	monitorWasActive bool

	lastLoopMS   int64
	lastStatusMS int64

	ip              [4]byte
	helloCompatCRC  bool
	rebootRequested bool

	log *zap.Logger
}

// Options bundles the processor collaborators.
type Options struct {
	Sensors *sensors.ADProcessor
	Driver  motor.Driver
	Monitor *kickout.Monitor
	Sink    pgn.Sender
	Store   store.Store
	Metrics *metrics.Metrics
	IP      [4]byte
}

// NewProcessor builds the loop with defaults matching a factory module.
func NewProcessor(opts Options) *Processor {
	p := &Processor{
		sensors: opts.Sensors,
		driver:  opts.Driver,
		monitor: opts.Monitor,
		sink:    opts.Sink,
		store:   opts.Store,
		metrics: opts.Metrics,
		ip:      opts.IP,
		settings: Settings{
			Kp:              1.0,
			HighPWM:         255,
			LowPWM:          10,
			MinPWM:          5,
			CountsPerDegree: 1.0,
		},
		pid:            NewPID(1.0, 100.0),
		helloCompatCRC: true,
		log:            logger.WithComponent("steer"),
	}
	p.filter = DefaultWasFilter{}
	return p
}

// LoadFromStore restores the persisted config and settings payloads.
func (p *Processor) LoadFromStore() {
	if p.store == nil {
		return
	}
	if raw, ok := p.store.Get(storeKeyConfig); ok {
		if cfg, err := DecodeConfig(raw); err == nil {
			p.applyConfig(cfg)
		}
	}
	if raw, ok := p.store.Get(storeKeySettings); ok {
		if s, err := DecodeSettings(raw, nil); err == nil {
			p.applySettings(s)
		}
	}
}

// Register wires the processor's PGN handlers into the router.
func (p *Processor) Register(router *pgn.Router) error {
	if err := router.RegisterBroadcast(p.handleBroadcast, "steer"); err != nil {
		return err
	}
	if err := router.Register(pgn.PGNSteerConfig, p.handleSteerConfig, "steer"); err != nil {
		return err
	}
	if err := router.Register(pgn.PGNSteerSettings, p.handleSteerSettings, "steer"); err != nil {
		return err
	}
	if err := router.Register(pgn.PGNSteerData, p.handleSteerData, "steer"); err != nil {
		return err
	}
	return router.Register(pgn.PGNSubnetChange, p.handleSubnetChange, "steer")
}

// Tick runs one scheduler pass. The loop body executes at 100 Hz by
// deadline comparison; calls between deadlines return immediately.
func (p *Processor) Tick(nowMS int64) {
	p.mu.Lock()
	if nowMS-p.lastLoopMS < LoopPeriodMS {
		p.mu.Unlock()
		return
	}
	if p.lastLoopMS != 0 && nowMS-p.lastLoopMS > LoopPeriodMS+5 && p.metrics != nil {
		p.metrics.IncLoopOverruns()
	}
	p.lastLoopMS = nowMS
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.IncLoopTicks()
	}

	p.updateOperatorIntent(nowMS)

	// The monitor sees the pre-tick steering state; a latch forces the
	// state machine to Disabled below.
	if p.monitor != nil {
		p.monitor.Tick(nowMS, p.steeringActive())
		p.observeKickout(nowMS)
	}

	p.updateMotorControl(nowMS)

	if p.driver != nil {
		p.driver.Tick(nowMS)
	}

	p.mu.Lock()
	statusDue := nowMS-p.lastStatusMS >= StatusPeriodMS
	if statusDue {
		p.lastStatusMS = nowMS
	}
	p.mu.Unlock()
	if statusDue {
		p.sendStatus()
	}
}

// updateOperatorIntent merges the ground-station guidance bit, the
// physical button and the steer switch into the armed state.
func (p *Processor) updateOperatorIntent(nowMS int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Guidance turning on in the ground station arms the module (OSB).
	if p.guidanceChanged {
		if p.guidanceActive {
			if !p.armed {
				p.log.Info("autosteer armed via ground station")
			}
			p.armed = true
		}
		p.guidanceChanged = false
	}

	// Guidance held inactive disarms after a short delay.
	if p.armed && !p.guidanceActive {
		p.switchCounter++
		if p.switchCounter > disarmDelayTicks {
			p.armed = false
			p.switchCounter = 0
			p.log.Info("autosteer disarmed, guidance inactive")
		}
	} else {
		p.switchCounter = 0
	}

	if p.sensors == nil {
		return
	}

	switch p.cfg.SwitchMode() {
	case SwitchModeButton:
		// Press edge toggles. The debounced channel is active-true when
		// pressed.
		pressed := p.sensors.SteerSwitch()
		if pressed && !p.lastButton {
			p.armed = !p.armed
			p.log.Info("autosteer toggled via button", zap.Bool("armed", p.armed))
		}
		p.lastButton = pressed
	case SwitchModeSwitch:
		wasArmed := p.armed
		p.armed = p.sensors.SteerSwitch()
		if wasArmed != p.armed {
			p.log.Info("autosteer switch", zap.Bool("armed", p.armed))
		}
	}
}

// observeKickout turns a fresh monitor latch into an emergency stop.
func (p *Processor) observeKickout(nowMS int64) {
	active := p.monitor.Active()

	p.mu.Lock()
	fresh := active && !p.monitorWasActive
	p.monitorWasActive = active
	p.mu.Unlock()

	if fresh {
		p.emergencyStop(nowMS)
	}
}

// emergencyStop drops everything immediately: state, output, armed flag.
func (p *Processor) emergencyStop(nowMS int64) {
	p.mu.Lock()
	p.state = Disabled
	p.motorSpeed = 0
	p.armed = false
	p.kickoutLatchMS = nowMS
	p.mu.Unlock()

	if p.driver != nil {
		p.driver.SetSpeed(0)
		p.driver.Enable(false)
	}
	p.log.Warn("emergency stop")
}

// shouldSteer evaluates every engage condition. All must hold.
func (p *Processor) shouldSteer(nowMS int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shouldSteerLocked(nowMS)
}

func (p *Processor) shouldSteerLocked(nowMS int64) bool {
	if p.kickoutLatchMS > 0 && nowMS-p.kickoutLatchMS < KickoutCooldownMS {
		return false
	}
	if p.monitor != nil && p.monitor.Active() {
		return false
	}
	if nowMS-p.last254MS > WatchdogMS {
		return false
	}
	return p.guidanceActive && p.armed && p.vehicleSpeedKMH > minSpeedKMH
}

// steeringActive reports whether the loop is currently commanding the
// motor (the slip detector only runs then).
func (p *Processor) steeringActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state != Disabled
}

// updateMotorControl is the 100 Hz control body: angle in, state machine,
// P-control, PWM shaping, soft-start envelope, direction inversion,
// command out.
func (p *Processor) updateMotorControl(nowMS int64) {
	var angle float32
	if p.sensors != nil {
		angle = p.sensors.WASAngle()
	}

	p.mu.Lock()
	angle = p.filter.FilterAngle(angle)
	p.currentAngle = angle
	shouldBeActive := p.shouldSteerLocked(nowMS)

	if shouldBeActive && p.state == Disabled {
		p.state = SoftStart
		p.softStartBeginMS = nowMS
		p.mu.Unlock()

		if p.metrics != nil {
			p.metrics.IncEngages()
		}
		if p.driver != nil {
			p.driver.Enable(true)
		}
		p.log.Info("motor starting, soft-start", zap.Int("duration_ms", SoftStartDurationMS))
		p.mu.Lock()
	} else if !shouldBeActive && p.state != Disabled {
		p.state = Disabled
		p.motorSpeed = 0
		watchdogged := nowMS-p.last254MS > WatchdogMS
		speed := p.vehicleSpeedKMH
		guidance := p.guidanceActive
		armed := p.armed
		p.mu.Unlock()

		if p.driver != nil {
			p.driver.Enable(false)
			p.driver.SetSpeed(0)
		}
		switch {
		case watchdogged:
			p.log.Info("motor disabled, guidance watchdog timeout")
		case speed <= minSpeedKMH:
			p.log.Info("motor disabled, speed too low", zap.Float32("kmh", speed))
		case !guidance:
			p.log.Info("motor disabled, guidance inactive")
		case !armed:
			p.log.Info("motor disabled, steer switch off")
		default:
			p.log.Info("motor disabled")
		}
		return
	} else if !shouldBeActive {
		p.mu.Unlock()
		return
	}

	// Active: compute the command.
	target := p.targetAngle
	p.mu.Unlock()

	u := p.pid.Compute(target, angle)

	speed := p.shapePWM(u)
	speed = p.applySoftStart(nowMS, speed)

	p.mu.Lock()
	if p.cfg.MotorInvert {
		speed = -speed
	}
	p.motorSpeed = speed
	p.mu.Unlock()

	if p.driver != nil {
		p.driver.Enable(true)
		p.driver.SetSpeed(speed)
	}
}

// shapePWM maps the controller output (percent) through the PWM envelope:
// lowPWM is the static-friction breakaway, highPWM the current-limit
// ceiling, minPWM the dither floor below which a command would wear the
// drivetrain without moving the wheel.
func (p *Processor) shapePWM(u float32) float32 {
	p.mu.Lock()
	s := p.settings
	p.mu.Unlock()

	absU := float32(math.Abs(float64(u)))
	if absU < deadZonePct {
		return 0
	}

	high := float32(s.HighPWM)
	low := float32(s.LowPWM)
	min := float32(s.MinPWM)

	scaled := low + (absU/100.0)*(high-low)
	if scaled > high {
		scaled = high
	}
	if scaled < min {
		return 0
	}

	pct := (scaled / 255.0) * 100.0
	if u < 0 {
		pct = -pct
	}
	return pct
}

// applySoftStart clips the command to the quarter-sine envelope while the
// soft-start window is open and advances the state machine when it closes.
func (p *Processor) applySoftStart(nowMS int64, speed float32) float32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != SoftStart {
		return speed
	}

	elapsed := nowMS - p.softStartBeginMS
	if elapsed >= SoftStartDurationMS {
		p.state = NormalControl
		p.log.Info("motor active, normal control")
		return speed
	}

	progress := float64(elapsed) / float64(SoftStartDurationMS)
	ramp := math.Sin(progress * math.Pi / 2.0)
	limit := float32(float64(p.settings.LowPWM) / 255.0 * 100.0 * SoftStartPeakFraction * ramp)

	if speed > limit {
		speed = limit
	} else if speed < -limit {
		speed = -limit
	}
	return speed
}

// sendStatus emits the 10 Hz status frame.
func (p *Processor) sendStatus() {
	if p.sink == nil {
		return
	}

	p.mu.Lock()
	angle100 := float64(p.currentAngle) * 100.0
	if angle100 > 32767 {
		angle100 = 32767
	} else if angle100 < -32768 {
		angle100 = -32768
	}
	angleCenti := int16(angle100)
	pwmDisplay := math.Abs(float64(p.motorSpeed)) * 2.55
	if pwmDisplay > 255 {
		pwmDisplay = 255
	}

	// bit0: work switch, inverted sense (set when OFF)
	// bit1: steer state, 0 while armed
	// bit2: remote kickout input, reserved
	var switchByte byte
	workOn := false
	if p.sensors != nil {
		workOn = p.sensors.WorkSwitch()
	}
	if !workOn {
		switchByte |= 0x01
	}
	if !p.armed {
		switchByte |= 0x02
	}
	p.mu.Unlock()

	frame := pgn.BuildStatus(pgn.Status{
		AngleCenti: angleCenti,
		SwitchByte: switchByte,
		PWMDisplay: byte(pwmDisplay),
	})

	if err := p.sink.Send(frame); err == nil && p.metrics != nil {
		p.metrics.IncStatusFramesSent()
	}
}

// --- PGN handlers ---

func (p *Processor) handleBroadcast(pgnID byte, data []byte, nowMS int64) {
	switch pgnID {
	case pgn.PGNHello:
		if p.sink != nil {
			p.sink.Send(pgn.BuildHelloReply(p.helloCompatCRC))
		}
	case pgn.PGNScanRequest:
		if p.sink != nil {
			p.sink.Send(pgn.BuildScanReply(p.ip))
		}
	}
}

// handleSteerData ingests the 10 Hz guidance frame. A malformed frame is
// dropped without refreshing the watchdog, so a broken sender disarms the
// module.
func (p *Processor) handleSteerData(pgnID byte, data []byte, nowMS int64) {
	sd, err := pgn.ParseSteerData(data)
	if err != nil {
		if p.metrics != nil {
			p.metrics.IncDropped(metrics.DropBadLength)
		}
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.last254MS = nowMS
	p.vehicleSpeedKMH = sd.SpeedKMH()
	p.targetAngle = sd.TargetAngleDeg()
	p.crossTrackError = sd.CrossTrack
	p.machineSections = sd.Sections

	p.prevGuidance = p.guidanceActive
	p.guidanceActive = sd.GuidanceActive()
	if p.guidanceActive != p.prevGuidance {
		p.guidanceChanged = true
	}

	requested := sd.AutosteerRequested()
	if requested != p.autosteerEnabled {
		p.log.Info("ground station autosteer request", zap.Bool("engage", requested))
		p.autosteerEnabled = requested
	}
}

// handleSteerConfig persists and applies a configuration frame. The save
// completes before the handler returns; settings frames are idempotent.
func (p *Processor) handleSteerConfig(pgnID byte, data []byte, nowMS int64) {
	cfg, err := DecodeConfig(data)
	if err != nil {
		if p.metrics != nil {
			p.metrics.IncDropped(metrics.DropBadLength)
		}
		return
	}

	if p.metrics != nil {
		p.metrics.IncConfigFrames()
	}
	if p.store != nil {
		raw := make([]byte, len(data))
		copy(raw, data)
		p.store.Set(storeKeyConfig, raw)
		if err := p.store.Save(); err != nil {
			p.log.Error("failed to persist steer config", zap.Error(err))
		}
	}

	p.applyConfig(cfg)
	p.log.Info("steer config applied",
		zap.Bool("invert_was", cfg.InvertWAS),
		zap.Bool("motor_invert", cfg.MotorInvert),
		zap.Bool("encoder", cfg.ShaftEncoder),
		zap.Uint8("pulse_count_max", cfg.PulseCountMax),
		zap.Uint8("min_speed", cfg.MinSpeed))
}

func (p *Processor) applyConfig(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg
	ackerman := p.settings.AckermanFix
	p.filter = DefaultWasFilter{InvertWAS: cfg.InvertWAS, AckermanFix: ackerman}
	p.mu.Unlock()

	if p.monitor != nil {
		p.monitor.SetConfig(kickout.Config{
			ShaftEncoder:   cfg.ShaftEncoder,
			PressureSensor: cfg.PressureSensor,
			CurrentSensor:  cfg.CurrentSensor,
			PulseCountMax:  cfg.PulseCountMax,
		})
	}
}

// handleSteerSettings persists and applies a tuning frame.
func (p *Processor) handleSteerSettings(pgnID byte, data []byte, nowMS int64) {
	s, err := DecodeSettings(data, p.metrics)
	if err != nil {
		if p.metrics != nil {
			p.metrics.IncDropped(metrics.DropBadLength)
		}
		return
	}

	if p.metrics != nil {
		p.metrics.IncSettingsFrames()
	}
	if p.store != nil {
		p.store.Set(storeKeySettings, EncodeSettings(s))
		if err := p.store.Save(); err != nil {
			p.log.Error("failed to persist steer settings", zap.Error(err))
		}
	}

	p.applySettings(s)
	p.log.Info("steer settings applied",
		zap.Float32("kp", s.Kp),
		zap.Uint8("high_pwm", s.HighPWM),
		zap.Uint8("low_pwm", s.LowPWM),
		zap.Uint8("min_pwm", s.MinPWM),
		zap.Int16("was_offset", s.WASOffset),
		zap.Float32("counts_per_degree", s.CountsPerDegree))
}

func (p *Processor) applySettings(s Settings) {
	p.mu.Lock()
	p.settings = s
	invert := p.cfg.InvertWAS
	p.filter = DefaultWasFilter{InvertWAS: invert, AckermanFix: s.AckermanFix}
	p.mu.Unlock()

	p.pid.SetKp(s.Kp)
	if p.sensors != nil {
		p.sensors.SetWASCalibration(s.WASOffset, s.CountsPerDegree)
	}
}

// handleSubnetChange persists the new subnet and requests a reboot; the
// surrounding system performs it.
func (p *Processor) handleSubnetChange(pgnID byte, data []byte, nowMS int64) {
	sc, err := pgn.ParseSubnetChange(data)
	if err != nil {
		if p.metrics != nil {
			p.metrics.IncDropped(metrics.DropBadLength)
		}
		return
	}

	p.mu.Lock()
	unchanged := p.ip[0] == sc.Octets[0] && p.ip[1] == sc.Octets[1] && p.ip[2] == sc.Octets[2]
	if unchanged {
		p.mu.Unlock()
		p.log.Info("subnet unchanged, ignoring change request")
		return
	}
	old := p.ip
	p.ip[0], p.ip[1], p.ip[2] = sc.Octets[0], sc.Octets[1], sc.Octets[2]
	p.rebootRequested = true
	p.mu.Unlock()

	if p.store != nil {
		p.store.Set(storeKeySubnet, sc.Octets[:])
		if err := p.store.Save(); err != nil {
			p.log.Error("failed to persist subnet", zap.Error(err))
		}
	}
	p.log.Warn("subnet change requested, reboot required",
		zap.Uint8s("old", old[:3]),
		zap.Uint8s("new", sc.Octets[:]))
}

// --- accessors ---

// State returns the loop state.
func (p *Processor) State() MotorState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// MotorSpeed returns the last commanded percent.
func (p *Processor) MotorSpeed() float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.motorSpeed
}

// CurrentAngle returns the last filtered wheel angle.
func (p *Processor) CurrentAngle() float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentAngle
}

// Armed reports the operator-intent state.
func (p *Processor) Armed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.armed
}

// RebootRequested reports whether a subnet change wants a restart.
func (p *Processor) RebootRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rebootRequested
}

// Config returns the active steer configuration.
func (p *Processor) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Settings returns the active tuning.
func (p *Processor) Settings() Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings
}
