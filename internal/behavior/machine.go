package behavior

import (
	"context"
	"math"
	"time"

	"replicore/internal/entity"
	"replicore/internal/mathx"
	"replicore/internal/spatial"
	"replicore/internal/state"
	"replicore/internal/telemetry"
	"replicore/logging"
	replog "replicore/logging/replication"
)

// Options wires a machine's collaborators.
type Options struct {
	// World answers proximity queries; nil means nothing is ever in range.
	World spatial.Query
	// OnAttack fires each time an attack lands on the current target.
	OnAttack func(target string, damage float64)
	// OnPhase fires after every transition.
	OnPhase   func(from, to Phase)
	Publisher logging.Publisher
	Logger    telemetry.Logger
}

// Machine is one AI entity's phase machine. It is driven by Simulate on the
// fixed tick and by Hit when damage arrives; both must come from the tick
// goroutine.
type Machine struct {
	id     string
	cfg    Config
	opts   Options
	anchor mathx.Vec3

	phase    Phase
	elapsed  time.Duration
	cooldown time.Duration
	health   float64
	position mathx.Vec3
	facing   mathx.Quat
	target   string
	threat   *ThreatTable
	tick     uint64
}

var _ entity.Simulation = (*Machine)(nil)

// New builds a machine that spawns at anchor.
func New(id string, anchor mathx.Vec3, cfg Config, opts Options) *Machine {
	if opts.Publisher == nil {
		opts.Publisher = logging.NopPublisher()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.LoggerFunc(nil)
	}
	return &Machine{
		id:       id,
		cfg:      cfg,
		opts:     opts,
		anchor:   anchor,
		phase:    PhaseSpawn,
		health:   cfg.MaxHealth,
		position: anchor,
		facing:   mathx.Identity(),
		threat:   NewThreatTable(),
	}
}

func (m *Machine) Phase() Phase                { return m.phase }
func (m *Machine) Health() float64             { return m.health }
func (m *Machine) Target() string              { return m.target }
func (m *Machine) Position() mathx.Vec3        { return m.position }
func (m *Machine) Anchor() mathx.Vec3          { return m.anchor }
func (m *Machine) Threat() *ThreatTable        { return m.threat }
func (m *Machine) PhaseElapsed() time.Duration { return m.elapsed }

// Alive reports whether the machine can take damage.
func (m *Machine) Alive() bool {
	return m.phase != PhaseDead && m.phase != PhaseDespawn
}

// Hit applies damage from attacker. Health clamps at zero, and reaching zero
// moves the machine to Dead immediately from any phase.
func (m *Machine) Hit(attacker string, amount float64) {
	if !m.Alive() || amount <= 0 || math.IsNaN(amount) {
		return
	}
	m.threat.Add(attacker, amount)
	m.health = math.Max(0, m.health-amount)
	if m.health == 0 {
		m.transition(PhaseDead)
	}
}

// Simulate implements entity.Simulation.
func (m *Machine) Simulate(step entity.Step) {
	m.tick = step.Tick
	if step.Host != nil && m.phase != PhaseSpawn {
		m.position = step.Host.Position()
	}
	m.Advance(step.DT)
	if step.Host != nil {
		step.Host.SetPosition(m.position)
		step.Host.SetOrientation(m.facing)
	}
	if step.Store != nil {
		if err := m.Write(step.Store); err != nil {
			m.opts.Logger.Printf("behavior: %s write state: %v", m.id, err)
		}
	}
}

// Advance runs one fixed step of dt seconds.
func (m *Machine) Advance(dt float64) {
	if dt < 0 {
		dt = 0
	}
	step := time.Duration(math.Round(dt * float64(time.Second)))
	m.elapsed += step

	switch m.phase {
	case PhaseSpawn:
		if m.elapsed >= m.cfg.SpawnTime {
			m.transition(PhaseIdle)
		}
	case PhaseIdle:
		if target, ok := m.acquire(); ok {
			m.target = target
			m.transition(PhaseChase)
		}
	case PhaseChase:
		m.pursue(dt, step)
	case PhaseAttack:
		m.pursue(dt, step)
	case PhaseLeash:
		m.moveTowards(m.anchor, dt)
		if m.position.Dist(m.anchor) <= m.cfg.ReturnTolerance {
			m.position = m.anchor
			m.health = m.cfg.MaxHealth
			m.threat.Clear()
			m.transition(PhaseIdle)
		}
	case PhaseDead:
		if m.elapsed >= m.cfg.DeathTime {
			m.transition(PhaseDespawn)
		}
	case PhaseDespawn:
		if m.elapsed >= m.cfg.RespawnTime {
			m.position = m.anchor
			m.facing = mathx.Identity()
			m.health = m.cfg.MaxHealth
			m.threat.Clear()
			m.transition(PhaseSpawn)
		}
	}
}

// pursue handles Chase and Attack: retarget by threat, leash when the target
// is lost or the machine strays too far, and swing while in range.
func (m *Machine) pursue(dt float64, step time.Duration) {
	if m.position.Dist(m.anchor) > m.cfg.LeashRadius {
		m.leash()
		return
	}
	if next, ok := m.acquire(); ok {
		m.target = next
	} else {
		m.leash()
		return
	}
	targetPos, ok := m.locate(m.target)
	if !ok {
		m.leash()
		return
	}
	distance := m.position.Dist(targetPos)

	if m.phase == PhaseChase {
		if distance <= m.cfg.AttackRange {
			m.cooldown = m.cfg.AttackInterval
			m.transition(PhaseAttack)
			m.swing(0)
			return
		}
		m.face(targetPos)
		stop := targetPos.Sub(targetPos.Sub(m.position).Normalize().Scale(m.cfg.AttackRange * 0.9))
		m.moveTowards(stop, dt)
		return
	}

	if distance > m.cfg.AttackRange {
		m.transition(PhaseChase)
		return
	}
	m.face(targetPos)
	m.swing(step)
}

func (m *Machine) swing(step time.Duration) {
	m.cooldown += step
	if m.cooldown < m.cfg.AttackInterval {
		return
	}
	m.cooldown = 0
	if m.opts.OnAttack != nil {
		m.opts.OnAttack(m.target, m.cfg.AttackDamage)
	}
}

func (m *Machine) leash() {
	m.target = ""
	m.threat.Clear()
	m.transition(PhaseLeash)
}

// acquire picks the highest-threat attacker still within the leash area,
// keeps the current target while it stays there, or takes the nearest
// eligible body inside the aggro radius. Bodies outside the leash area are
// never targets.
func (m *Machine) acquire() (string, bool) {
	if m.opts.World == nil {
		return "", false
	}
	inLeash := make(map[string]bool)
	for _, r := range m.opts.World.QueryRadius(m.anchor, m.cfg.LeashRadius) {
		if r.ID != m.id && m.eligible(r) {
			inLeash[r.ID] = true
		}
	}
	if id, ok := m.threat.Top(func(id string) bool { return inLeash[id] }); ok {
		return id, true
	}
	if m.target != "" && inLeash[m.target] && m.phase != PhaseIdle {
		return m.target, true
	}
	for _, r := range m.opts.World.QueryRadius(m.position, m.cfg.AggroRadius) {
		if inLeash[r.ID] {
			return r.ID, true
		}
	}
	return "", false
}

func (m *Machine) eligible(r spatial.Result) bool {
	return m.cfg.TargetTag == "" || r.Tag == m.cfg.TargetTag
}

func (m *Machine) locate(id string) (mathx.Vec3, bool) {
	for _, r := range m.opts.World.QueryRadius(m.anchor, m.cfg.LeashRadius) {
		if r.ID == id {
			return r.Position, true
		}
	}
	return mathx.Vec3{}, false
}

func (m *Machine) moveTowards(to mathx.Vec3, dt float64) {
	if m.position.Dist(to) > 1e-9 {
		m.face(to)
	}
	m.position = m.position.MoveTowards(to, m.cfg.MoveSpeed*dt)
}

func (m *Machine) face(to mathx.Vec3) {
	dir := to.Sub(m.position)
	dir.Y = 0
	if dir.Len() > 1e-9 {
		m.facing = mathx.YawTowards(dir)
	}
}

func (m *Machine) transition(to Phase) {
	from := m.phase
	if from == to {
		return
	}
	m.phase = to
	m.elapsed = 0
	if to != PhaseChase && to != PhaseAttack {
		m.target = ""
	}
	replog.PhaseChanged(context.Background(), m.opts.Publisher, m.tick, m.id, replog.PhasePayload{
		From:   string(from),
		To:     string(to),
		Target: m.target,
	})
	if m.opts.OnPhase != nil {
		m.opts.OnPhase(from, to)
	}
}

// Write mirrors the machine into the replicated store.
func (m *Machine) Write(store *state.Store) error {
	writes := []struct {
		key   string
		value any
	}{
		{FieldPhase, m.phase},
		{FieldHealth, m.health},
		{FieldMaxHealth, m.cfg.MaxHealth},
		{FieldTarget, m.target},
	}
	for _, w := range writes {
		if err := store.Set(w.key, w.value); err != nil {
			return err
		}
	}
	return nil
}
