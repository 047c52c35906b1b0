// Package behavior drives AI entities through a fixed phase cycle on the
// authoritative side. Every transition is expressed as state-store writes, so
// observers need nothing beyond ordinary replication.
package behavior

import (
	"time"

	"github.com/rotisserie/eris"
)

// Phase is the replicated "phase" field.
type Phase string

const (
	PhaseSpawn   Phase = "spawn"
	PhaseIdle    Phase = "idle"
	PhaseChase   Phase = "chase"
	PhaseAttack  Phase = "attack"
	PhaseLeash   Phase = "leash"
	PhaseDead    Phase = "dead"
	PhaseDespawn Phase = "despawn"
)

// Store keys written by the machine.
const (
	FieldPhase     = "phase"
	FieldHealth    = "health"
	FieldMaxHealth = "maxHealth"
	FieldTarget    = "target"
)

// Config is captured when a machine is built and never mutated afterwards.
type Config struct {
	MaxHealth       float64       `yaml:"maxHealth"`
	AggroRadius     float64       `yaml:"aggroRadius"`
	AttackRange     float64       `yaml:"attackRange"`
	LeashRadius     float64       `yaml:"leashRadius"`
	ReturnTolerance float64       `yaml:"returnTolerance"`
	MoveSpeed       float64       `yaml:"moveSpeed"`
	SpawnTime       time.Duration `yaml:"spawnTime"`
	DeathTime       time.Duration `yaml:"deathTime"`
	RespawnTime     time.Duration `yaml:"respawnTime"`
	AttackInterval  time.Duration `yaml:"attackInterval"`
	AttackDamage    float64       `yaml:"attackDamage"`
	// TargetTag selects which spatial bodies can be pursued.
	TargetTag string `yaml:"targetTag"`
}

// DefaultConfig mirrors a humanoid melee enemy.
func DefaultConfig() Config {
	return Config{
		MaxHealth:       40,
		AggroRadius:     8,
		AttackRange:     1.5,
		LeashRadius:     20,
		ReturnTolerance: 0.25,
		MoveSpeed:       3.5,
		SpawnTime:       500 * time.Millisecond,
		DeathTime:       3 * time.Second,
		RespawnTime:     5 * time.Second,
		AttackInterval:  time.Second,
		AttackDamage:    10,
		TargetTag:       "participant",
	}
}

// Validate rejects configurations the machine cannot run.
func (c Config) Validate() error {
	switch {
	case c.MaxHealth <= 0:
		return eris.New("behavior: maxHealth must be positive")
	case c.AttackRange <= 0:
		return eris.New("behavior: attackRange must be positive")
	case c.AggroRadius < c.AttackRange:
		return eris.New("behavior: aggroRadius must cover attackRange")
	case c.LeashRadius < c.AggroRadius:
		return eris.New("behavior: leashRadius must cover aggroRadius")
	case c.MoveSpeed <= 0:
		return eris.New("behavior: moveSpeed must be positive")
	case c.DeathTime < 0 || c.RespawnTime < 0 || c.SpawnTime < 0 || c.AttackInterval < 0:
		return eris.New("behavior: timers must not be negative")
	}
	return nil
}
