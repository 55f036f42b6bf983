package store

import (
	"encoding/json"
	"time"

	"github.com/bemasher/rtlgridstream/parse"
)

// Reading is one received message.
type Reading struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	ReceivedAt time.Time `gorm:"index" json:"received_at"`
	MeterID    string    `gorm:"index;size:16" json:"meter_id"`
	Subtype    uint8     `json:"subtype"`
	Checksum   uint16    `json:"checksum"`

	// The message's fields as a JSON object in emission order.
	Fields string `json:"fields"`
}

func (Reading) TableName() string {
	return "readings"
}

// Meter summarizes readings from a single source address.
type Meter struct {
	MeterID   string    `gorm:"primarykey;size:16" json:"meter_id"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Messages  int64     `json:"messages"`
}

func (Meter) TableName() string {
	return "meters"
}

// NewReading renders msg for storage.
func NewReading(msg parse.LogMessage) (Reading, error) {
	fields := msg.Fields()

	js, err := json.Marshal(fields)
	if err != nil {
		return Reading{}, err
	}

	r := Reading{
		ReceivedAt: msg.Time,
		Subtype:    msg.MeterType(),
		Fields:     string(js),
	}

	if id, ok := fields.Get("id"); ok {
		r.MeterID = id.String()
	}
	if cs := msg.Checksum(); len(cs) == 2 {
		r.Checksum = uint16(cs[0])<<8 | uint16(cs[1])
	}

	return r, nil
}

// Decode returns the stored fields, key order isn't preserved.
func (r Reading) Decode() (map[string]interface{}, error) {
	m := make(map[string]interface{})
	err := json.Unmarshal([]byte(r.Fields), &m)
	return m, err
}
