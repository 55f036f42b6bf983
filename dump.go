// RTLAMR - An rtl-sdr receiver for smart meters operating in the 900MHz ISM band.
// Copyright (C) 2015 Douglas Hall
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/bemasher/rtlgridstream/store"
)

var dbDump = flag.Duration("dbdump", 0, "print readings stored in -db within this duration as json and exit, ex. 24h")

type dumpRecord struct {
	Time    time.Time              `json:"time"`
	MeterID string                 `json:"meter_id"`
	Subtype uint8                  `json:"subtype"`
	Fields  map[string]interface{} `json:"fields"`
}

func storedID(id uint) string {
	// Opaque frames are stored without an address.
	if id == 0 {
		return "0"
	}
	return fmt.Sprintf("%08x", id)
}

// DumpStore writes stored readings received at or after since, one json
// object per line. Given ids, only those meters are dumped and each meter's
// summary is logged.
func DumpStore(w io.Writer, s *store.Store, since time.Time, ids []uint) error {
	var readings []store.Reading

	if len(ids) == 0 {
		var err error
		readings, err = s.Since(since)
		if err != nil {
			return errors.Wrap(err, "query readings")
		}
	}

	for _, id := range ids {
		meterID := storedID(id)

		meter, err := s.Meter(meterID)
		if err != nil {
			log.WithError(err).WithField("id", meterID).Warn("meter not found")
			continue
		}
		log.WithFields(log.Fields{
			"id":        meter.MeterID,
			"firstseen": meter.FirstSeen,
			"lastseen":  meter.LastSeen,
			"messages":  meter.Messages,
		}).Info("meter")

		r, err := s.Readings(meterID)
		if err != nil {
			return errors.Wrapf(err, "query readings for %s", meterID)
		}
		for _, reading := range r {
			if !reading.ReceivedAt.Before(since) {
				readings = append(readings, reading)
			}
		}
	}

	enc := json.NewEncoder(w)
	for _, r := range readings {
		fields, err := r.Decode()
		if err != nil {
			return errors.Wrapf(err, "reading %d", r.ID)
		}

		if err := enc.Encode(dumpRecord{r.ReceivedAt, r.MeterID, r.Subtype, fields}); err != nil {
			return errors.Wrap(err, "encode reading")
		}
	}

	return nil
}

// logStoreSummary reports what an existing database already holds.
func logStoreSummary(s *store.Store) {
	meters, err := s.Meters()
	if err != nil {
		log.WithError(err).Warn("query meters")
		return
	}

	var messages int64
	for _, m := range meters {
		messages += m.Messages
	}
	log.WithFields(log.Fields{
		"meters":   len(meters),
		"messages": messages,
	}).Info("database")
}
