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

package framecap

import (
	"context"
	"net/http"

	"framecap/pkg/log"
	"framecap/pkg/storage"
)

type (
	configHook func(*storage.Config)
	logHook    func(*log.Logger)
	muxHook    func(*http.ServeMux)
	appRunHook func(context.Context, *App) error
)

type hookList struct {
	onConfig []configHook
	onLog    []logHook
	onMux    []muxHook
	onAppRun []appRunHook
}

var hooks = &hookList{}

// RegisterConfigHook registers hook that's called after the config is loaded.
func RegisterConfigHook(h configHook) {
	hooks.onConfig = append(hooks.onConfig, h)
}

// RegisterLogHook is used to grab the logger.
func RegisterLogHook(h logHook) {
	hooks.onLog = append(hooks.onLog, h)
}

// RegisterMuxHook registers hook used to add routes.
func RegisterMuxHook(h muxHook) {
	hooks.onMux = append(hooks.onMux, h)
}

// RegisterAppRunHook registers hook that's called when app runs.
func RegisterAppRunHook(h appRunHook) {
	hooks.onAppRun = append(hooks.onAppRun, h)
}

func (h *hookList) config(c *storage.Config) {
	for _, hook := range h.onConfig {
		hook(c)
	}
}

func (h *hookList) log(logger *log.Logger) {
	for _, hook := range h.onLog {
		hook(logger)
	}
}

func (h *hookList) mux(mux *http.ServeMux) {
	for _, hook := range h.onMux {
		hook(mux)
	}
}

func (h *hookList) appRun(ctx context.Context, app *App) error {
	for _, hook := range h.onAppRun {
		if err := hook(ctx, app); err != nil {
			return err
		}
	}
	return nil
}
