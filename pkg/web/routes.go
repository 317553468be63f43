// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"framecap/pkg/log"
	"framecap/pkg/storage"
	"framecap/pkg/trigger"
	"framecap/pkg/web/auth"

	"github.com/gorilla/websocket"
)

const jsonContentType = "application/json"

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", jsonContentType)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "could not encode json", http.StatusInternalServerError)
	}
}

// Status returns the application status as json.
func Status(status func() interface{}) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, status())
	})
}

// EventAdder accepts recording events.
type EventAdder interface {
	Add(trigger.Event) error
}

// RecordingTrigger adds a timed recording event.
// "?name=door&duration=30s"
func RecordingTrigger(events EventAdder, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		query := r.URL.Query()

		name := query.Get("name")
		if name == "" {
			http.Error(w, "name missing", http.StatusBadRequest)
			return
		}
		if strings.ContainsAny(name, `/\ .`) {
			http.Error(w, "name contains illegal characters", http.StatusBadRequest)
			return
		}

		duration, err := time.ParseDuration(query.Get("duration"))
		if err != nil {
			http.Error(w, fmt.Sprintf("could not parse duration: %v", err), http.StatusBadRequest)
			return
		}

		event := trigger.Event{
			Time:     time.Now(),
			Duration: duration,
			Name:     name,
		}
		if err := events.Add(event); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		logger.Info().Src("app").Msgf("recording event %q for %v", name, duration)
	})
}

// Recordings lists the newest recordings of a camera.
func Recordings(m *storage.Manager, camName string, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		limit := r.URL.Query().Get("limit")
		if limit == "" {
			http.Error(w, "limit missing", http.StatusBadRequest)
			return
		}
		limitInt, err := strconv.Atoi(limit)
		if err != nil {
			http.Error(w, fmt.Sprintf("could not convert limit to int: %v", err), http.StatusBadRequest)
			return
		}

		recordings, err := m.Recordings(camName, limitInt)
		if err != nil {
			logger.Error().Src("app").Msgf("could not process recording query: %v", err)
			http.Error(w, "could not process recording query", http.StatusInternalServerError)
			return
		}
		writeJSON(w, recordings)
	})
}

func parseCSVParam(query url.Values, key string) []string {
	csv := query.Get(key)
	if csv == "" {
		return nil
	}
	return strings.Split(csv, ",")
}

func parseLevels(query url.Values) ([]log.Level, error) {
	var levels []log.Level
	for _, levelStr := range parseCSVParam(query, "levels") {
		levelInt, err := strconv.Atoi(levelStr)
		if err != nil {
			return nil, fmt.Errorf("invalid levels list: %v %w", query.Get("levels"), err)
		}
		levels = append(levels, log.Level(levelInt))
	}
	return levels, nil
}

// LogFeed opens a websocket with system logs.
func LogFeed(logger *log.Logger, a *auth.Authenticator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		query := r.URL.Query()

		levels, err := parseLevels(query)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sources := parseCSVParam(query, "sources")

		upgrader := websocket.Upgrader{}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		feed, cancel := logger.Subscribe()
		defer cancel()

		for {
			var entry log.Log
			select {
			case e, ok := <-feed:
				if !ok {
					return
				}
				entry = e
			case <-logger.Done():
				return
			case <-r.Context().Done():
				return
			}

			if !log.LevelInLevels(entry.Level, levels) {
				continue
			}
			if !log.StringInStrings(entry.Src, sources) {
				continue
			}

			// Validate auth before each message.
			if !a.ValidateRequest(r) {
				return
			}

			if err := c.WriteJSON(entry); err != nil {
				return
			}
		}
	})
}

// LogQuery handles log queries.
func LogQuery(logDB *log.DB) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		query := r.URL.Query()

		limit := query.Get("limit")
		if limit == "" {
			http.Error(w, "limit missing", http.StatusBadRequest)
			return
		}
		limitInt, err := strconv.Atoi(limit)
		if err != nil {
			http.Error(w, fmt.Sprintf("could not convert limit to int: %v", err), http.StatusBadRequest)
			return
		}

		levels, err := parseLevels(query)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var timeInt uint64
		if t := query.Get("time"); t != "" {
			timeInt, err = strconv.ParseUint(t, 10, 64)
			if err != nil {
				http.Error(w, fmt.Sprintf("could not convert time to int: %v", err), http.StatusBadRequest)
				return
			}
		}

		q := log.Query{
			Levels:  levels,
			Sources: parseCSVParam(query, "sources"),
			Cameras: parseCSVParam(query, "cameras"),
			Time:    log.UnixMicro(timeInt),
			Limit:   limitInt,
		}

		logs, err := logDB.Query(q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, logs)
	})
}
