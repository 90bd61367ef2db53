package transaction

import (
	"fmt"
	"time"
)

// Kind is what a transaction does.
type Kind string

// Transaction kinds.
const (
	KindRental Kind = "rental"
	KindReturn Kind = "return"
)

func (k Kind) valid() bool {
	return k == KindRental || k == KindReturn
}

// ExpectedState is the sensor pin state that confirms a transaction of this
// kind: LOW when the key is removed on rental, HIGH when it is inserted on
// return.
func (k Kind) ExpectedState() string {
	if k == KindReturn {
		return "HIGH"
	}
	return "LOW"
}

// Status is a transaction's lifecycle status.
type Status string

// Transaction statuses.
const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusTimeout   Status = "timeout"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusTimeout, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Step is a position in the transaction state machine.
type Step string

// Steps, in order.
const (
	StepStarted        Step = "started"
	StepMemberVerified Step = "member_verified"
	StepLockerSelected Step = "locker_selected"
	StepHardwareSent   Step = "hardware_sent"
	StepSensorWait     Step = "sensor_wait"
	StepSensorVerified Step = "sensor_verified"
	StepCompleted      Step = "completed"
)

var stepOrder = map[Step]int{
	StepStarted:        0,
	StepMemberVerified: 1,
	StepLockerSelected: 2,
	StepHardwareSent:   3,
	StepSensorWait:     4,
	StepSensorVerified: 5,
	StepCompleted:      6,
}

func (s Step) index() (int, bool) {
	i, ok := stepOrder[s]
	return i, ok
}

// SensorReading is one sensor event recorded against a transaction.
type SensorReading struct {
	Sensor int       `json:"sensor"`
	Locker string    `json:"locker"`
	State  string    `json:"state"`
	Active bool      `json:"active"`
	At     time.Time `json:"at"`
}

// Attachment is optional data stored with the latest step.
type Attachment struct {
	LockerNumber string         `json:"locker_number,omitempty"`
	DeviceID     string         `json:"device_id,omitempty"`
	CommandID    string         `json:"command_id,omitempty"`
	Note         string         `json:"note,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

func (a *Attachment) clone() *Attachment {
	if a == nil {
		return nil
	}
	c := *a
	if a.Data != nil {
		c.Data = make(map[string]any, len(a.Data))
		for k, v := range a.Data {
			c.Data[k] = v
		}
	}
	return &c
}

// Transaction is a rental or return in progress or finished.
type Transaction struct {
	ID             string
	MemberID       string
	Kind           Kind
	Status         Status
	Step           Step
	LockerNumber   string // empty until a locker is selected
	Deadline       time.Time
	CreatedAt      time.Time
	LastActivityAt time.Time
	EndedAt        time.Time // zero while active
	SensorEvents   []SensorReading
	ErrorMessage   string
	Attachment     *Attachment
}

func (t Transaction) clone() Transaction {
	c := t
	c.SensorEvents = append([]SensorReading(nil), t.SensorEvents...)
	c.Attachment = t.Attachment.clone()
	return c
}

// expired reports whether the deadline has passed at now.
func (t Transaction) expired(now time.Time) bool {
	return now.After(t.Deadline)
}

func (t Transaction) String() string {
	return fmt.Sprintf("%s %s member=%s step=%s status=%s", t.Kind, t.ID, t.MemberID, t.Step, t.Status)
}

// Admission is the result of a successful StartTransaction.
type Admission struct {
	TransactionID string
	Deadline      time.Time
}

// Locker is a locker_status row.
type Locker struct {
	Number             string
	Zone               string
	DeviceID           string
	CurrentMember      string // empty when free
	LockingTransaction string // empty when unlocked
	LockedUntil        time.Time
	SensorStatus       int // 1 key present, 0 key removed
	UpdatedAt          time.Time
}

// Observer is notified after each committed change, outside the manager's
// lock. Implementations must not block.
type Observer interface {
	TransactionStarted(t Transaction)
	StepChanged(t Transaction, from Step)
	TransactionEnded(t Transaction)
}
