package supervisor

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"pkt.systems/browserwatch/schema"
)

// defaultFlags are the automation defaults, after Puppeteer and Playwright.
func defaultFlags(p schema.BrowserProfile) map[string]any {
	f := map[string]any{
		"disable-background-networking":          true,
		"enable-features":                        "NetworkService,NetworkServiceInProcess",
		"disable-background-timer-throttling":    true,
		"disable-backgrounding-occluded-windows": true,
		"disable-breakpad":                       true,
		"disable-dev-shm-usage":                  true,
		"disable-features":                       "ImprovedCookieControls,LazyFrameLoading,GlobalMediaControls,DestroyProfileOnBrowserClose,MediaRouter,AcceptCHFrame",
		"disable-hang-monitor":                   true,
		"disable-ipc-flooding-protection":        true,
		"disable-popup-blocking":                 true,
		"disable-prompt-on-repost":               true,
		"disable-renderer-backgrounding":         true,
		"force-color-profile":                    "srgb",
		"metrics-recording-only":                 true,
		"no-first-run":                           true,
		"enable-automation":                      true,
		"password-store":                         "basic",
		"use-mock-keychain":                      true,
		"no-service-autorun":                     true,
		"no-default-browser-check":               true,
		"window-size":                            fmt.Sprintf("%d,%d", p.WindowWidth, p.WindowHeight),
	}
	if p.DisableDefaultExtensions {
		f["disable-component-extensions-with-background-pages"] = true
		f["disable-default-apps"] = true
	}
	if p.Headless {
		f["headless"] = "new"
		f["hide-scrollbars"] = true
		f["mute-audio"] = true
	}
	return f
}

// BuildArgs turns the profile into the browser command line. The result is
// sorted, ends with the debugging port and origin flags, and always carries
// --user-data-dir.
func BuildArgs(p schema.BrowserProfile, port int) ([]string, error) {
	flags := defaultFlags(p)
	for _, name := range p.IgnoreDefaultArgs {
		delete(flags, strings.TrimLeft(name, "-"))
	}
	setFlagsFromArgs(flags, p.Args)
	if p.UserDataDir != "" {
		flags["user-data-dir"] = p.UserDataDir
	}
	if p.ProfileDirectory != "" {
		flags["profile-directory"] = p.ProfileDirectory
	}
	delete(flags, "remote-debugging-port")
	delete(flags, "remote-allow-origins")

	args, err := parseArgs(flags)
	if err != nil {
		return nil, err
	}
	if v, ok := flags["user-data-dir"].(string); !ok || v == "" {
		return nil, fmt.Errorf("%w: --user-data-dir missing", schema.ErrArgsContract)
	}
	sort.Strings(args)
	args = append(args,
		"--remote-debugging-port="+strconv.Itoa(port),
		"--remote-allow-origins=*",
	)
	return args, nil
}

// setFlagsFromArgs parses "name=value" or bare "name" entries into flags.
func setFlagsFromArgs(flags map[string]any, args []string) {
	for _, arg := range args {
		pair := strings.SplitN(arg, "=", 2)
		name := strings.TrimLeft(strings.TrimSpace(pair[0]), "-")
		if name == "" {
			continue
		}
		if len(pair) == 1 {
			flags[name] = true
			continue
		}
		flags[name] = trimQuotes(strings.TrimSpace(pair[1]))
	}
}

func parseArgs(flags map[string]any) ([]string, error) {
	args := make([]string, 0, len(flags))
	for name, value := range flags {
		switch value := value.(type) {
		case string:
			args = append(args, fmt.Sprintf("--%s=%s", name, value))
		case bool:
			if value {
				args = append(args, "--"+name)
			}
		default:
			return nil, fmt.Errorf(`invalid browser command line flag: "%s=%v"`, name, value)
		}
	}
	return args, nil
}

func trimQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
