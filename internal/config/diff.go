package config

import (
	"reflect"
	"sort"
	"strings"

	"chronod/pkg/logx"
)

// SummarizeConfigChange returns a sorted list of changed sections and safe
// structured attrs for logging. Secrets (tokens, DSNs, webhook URLs) are only
// ever reported as "*_set" booleans.
//
// Sections listed in RestartRequired cannot be applied live.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	ol, nl := oldCfg.Logging, newCfg.Logging
	if ol.Level != nl.Level ||
		ol.Console != nl.Console ||
		ol.File.Enabled != nl.File.Enabled ||
		strings.TrimSpace(ol.File.Path) != strings.TrimSpace(nl.File.Path) ||
		ol.Webhook.Enabled != nl.Webhook.Enabled ||
		ol.Webhook.MinLevel != nl.Webhook.MinLevel ||
		ol.Webhook.RatePerSec != nl.Webhook.RatePerSec ||
		ol.Webhook.Timeout != nl.Webhook.Timeout ||
		strings.TrimSpace(ol.Webhook.URL) != strings.TrimSpace(nl.Webhook.URL) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", nl.Level),
			logx.Bool("logging.console", nl.Console),
			logx.Bool("logging.file_enabled", nl.File.Enabled),
			logx.Bool("logging.webhook_enabled", nl.Webhook.Enabled),
			logx.Bool("logging.webhook_url_set", strings.TrimSpace(nl.Webhook.URL) != ""),
		)
	}

	oldS, ns := oldCfg.Storage, newCfg.Storage
	if !reflect.DeepEqual(oldS, ns) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(ns.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(ns.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(ns.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		sc := newCfg.Scheduler
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", BoolOr(sc.Enabled, true)),
			logx.String("scheduler.timezone", strings.TrimSpace(sc.Timezone)),
			logx.Int("scheduler.max_instances", sc.MaxInstances),
			logx.Bool("scheduler.coalesce", BoolOr(sc.Coalesce, true)),
			logx.String("scheduler.misfire_grace_time", strings.TrimSpace(sc.MisfireGraceTime)),
			logx.Bool("scheduler.gate_file_set", strings.TrimSpace(sc.GateFile) != ""),
		)
	}

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || oTE != nTE {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Bool("task_engine.present", newCfg.TaskEngine != nil),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
			logx.String("task_engine.max_queue_delay", strings.TrimSpace(nTE.MaxQueueDelay)),
			logx.Int("task_engine.history_size", nTE.HistorySize),
		)
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	if !reflect.DeepEqual(oh, nh) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", BoolOr(nh.Enabled, true)),
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(nh.Token) != ""),
			logx.Bool("http.allow_insecure", nh.AllowInsecure),
			logx.Bool("http.pprof", nh.Pprof),
			logx.Int("http.rate_per_sec", nh.RatePerSec),
		)
	}

	op, np := derefPayload(oldCfg.Payload), derefPayload(newCfg.Payload)
	if !reflect.DeepEqual(op, np) {
		changed = append(changed, "payload")
		attrs = append(attrs,
			logx.Bool("payload.strict_resolve", np.StrictResolve),
			logx.String("payload.callback_timeout", strings.TrimSpace(np.CallbackTimeout)),
			logx.Bool("payload.shell_enabled", np.ShellEnabled),
			logx.String("payload.systemd_units", strings.Join(np.SystemdUnits, ",")),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports the changed sections that only take effect on restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "payload":
			out = append(out, s)
		}
	}
	return out
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func derefPayload(p *PayloadConfig) PayloadConfig {
	if p == nil {
		return PayloadConfig{}
	}
	return *p
}
