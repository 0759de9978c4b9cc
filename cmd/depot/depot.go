// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// depot is the command-line client for a depot repository server.
//
// Usage:
//
//	depot login <username>
//	depot publish <namespace>/<name>@<version>[:<variant>] <file>
//	depot fetch <namespace>/<name>@<version>[:<variant>] [out-file]
//	depot latest <namespace>/<name>
//	depot versions <namespace>/<name>
//	depot tag <namespace>/<name> <tag> <version>[:<variant>]
//	depot watch
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/depotrun/depot/pkg/targz"
	"github.com/fatih/color"
	"github.com/gorilla/websocket"
)

var (
	serverURL  = flag.String("server", envOr("DEPOT_SERVER", "http://localhost:8475"), "repository server URL")
	configPath = flag.String("config", defaultConfigPath(), "client config file")
)

var (
	errColor  = color.New(color.FgRed, color.Bold)
	okColor   = color.New(color.FgGreen)
	dimColor  = color.New(color.Faint)
	nameColor = color.New(color.FgCyan)
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".depot.toml"
	}
	return filepath.Join(dir, "depot", "config.toml")
}

// clientConfig persists the login token between invocations.
type clientConfig struct {
	Server string `toml:"server"`
	Token  string `toml:"token"`
}

func loadConfig() clientConfig {
	var c clientConfig
	toml.DecodeFile(*configPath, &c) // missing file is fine; zero config
	return c
}

func saveConfig(c clientConfig) error {
	if err := os.MkdirAll(filepath.Dir(*configPath), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(*configPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(c)
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: depot [flags] <command> [args]

commands:
  login <username>                                  obtain and store a token
  publish <ns>/<name>@<ver>[:<variant>] <path>      upload an artifact (directories are packed as tar.gz)
  fetch <ns>/<name>@<ver>[:<variant>] [out]         download an artifact (an existing directory target extracts)
  stat <ns>/<name>@<ver>[:<variant>]                show artifact metadata
  latest <ns>/<name>                                resolve the latest version
  versions <ns>/<name>                              list published versions
  tag <ns>/<name> <tag> <ver>[:<variant>]           point a tag at a version
  tags <ns>/<name> <tag>                            resolve a tag
  delete <ns>/<name>@<ver>[:<variant>]              delete an artifact record
  health                                            server health
  watch                                             stream mutation events

flags:
`)
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	cfg := loadConfig()
	server := *serverURL
	if cfg.Server != "" && !flagSet("server") && os.Getenv("DEPOT_SERVER") == "" {
		server = cfg.Server
	}
	c := &client{server: strings.TrimRight(server, "/"), token: cfg.Token}

	var err error
	switch cmd, rest := args[0], args[1:]; cmd {
	case "login":
		err = c.login(rest)
	case "publish":
		err = c.publish(rest)
	case "fetch":
		err = c.fetch(rest)
	case "stat":
		err = c.stat(rest)
	case "latest":
		err = c.latest(rest)
	case "versions":
		err = c.versions(rest)
	case "tag":
		err = c.setTag(rest)
	case "tags":
		err = c.getTag(rest)
	case "delete":
		err = c.delete(rest)
	case "health":
		err = c.health()
	case "watch":
		err = c.watch()
	default:
		usage()
	}
	if err != nil {
		errColor.Fprintf(os.Stderr, "depot: %v\n", err)
		os.Exit(1)
	}
}

func flagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// ref is a parsed <namespace>/<name>[@<version>[:<variant>]] argument.
type ref struct {
	Namespace, Name, Version, Variant string
}

func parseRef(s string, needVersion bool) (ref, error) {
	var r ref
	pkg, ver, hasVer := strings.Cut(s, "@")
	r.Namespace, r.Name, _ = strings.Cut(pkg, "/")
	if r.Namespace == "" || r.Name == "" {
		return r, fmt.Errorf("expected <namespace>/<name>, got %q", s)
	}
	if hasVer {
		r.Version, r.Variant, _ = strings.Cut(ver, ":")
	}
	if needVersion && r.Version == "" {
		return r, fmt.Errorf("expected a version in %q (use name@version)", s)
	}
	if r.Variant == "" {
		r.Variant = "default"
	}
	return r, nil
}

type client struct {
	server string
	token  string
}

func (c *client) do(method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequest(method, c.server+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return http.DefaultClient.Do(req)
}

// doJSON performs a request and decodes the JSON response, turning error
// envelopes into errors.
func (c *client) doJSON(method, path string, body io.Reader, out any) error {
	contentType := ""
	if body != nil {
		contentType = "application/json"
	}
	resp, err := c.do(method, path, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiError(resp *http.Response) error {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil && envelope.Error.Code != "" {
		return fmt.Errorf("%s: %s", envelope.Error.Code, envelope.Error.Message)
	}
	return fmt.Errorf("server returned %s", resp.Status)
}

func (c *client) login(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: depot login <username>")
	}
	fmt.Fprint(os.Stderr, "password: ")
	sc := bufio.NewScanner(os.Stdin)
	if !sc.Scan() {
		return fmt.Errorf("no password given")
	}
	body, _ := json.Marshal(map[string]string{
		"username": args[0],
		"password": sc.Text(),
	})
	var out struct {
		Token     string   `json:"token"`
		ExpiresIn int64    `json:"expires_in"`
		Scopes    []string `json:"scopes"`
	}
	if err := c.doJSON("POST", "/auth/login", strings.NewReader(string(body)), &out); err != nil {
		return err
	}
	if err := saveConfig(clientConfig{Server: c.server, Token: out.Token}); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	okColor.Printf("logged in as %s", args[0])
	dimColor.Printf(" (scopes: %s)\n", strings.Join(out.Scopes, ", "))
	return nil
}

func blobPath(r ref) string {
	return fmt.Sprintf("/v1/%s/%s/%s/%s/blob",
		url.PathEscape(r.Namespace), url.PathEscape(r.Name),
		url.PathEscape(r.Version), url.PathEscape(r.Variant))
}

func (c *client) publish(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: depot publish <ns>/<name>@<ver>[:<variant>] <file>")
	}
	r, err := parseRef(args[0], true)
	if err != nil {
		return err
	}
	st, err := os.Stat(args[1])
	if err != nil {
		return err
	}
	var body io.Reader
	if st.IsDir() {
		// Directories are packed into a deterministic tar.gz, so
		// republishing an unchanged tree hits the same content address.
		pr, pw := io.Pipe()
		go func() { pw.CloseWithError(targz.Pack(pw, args[1])) }()
		body = pr
	} else {
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		body = f
	}
	resp, err := c.do("PUT", blobPath(r), body, "application/octet-stream")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	var out struct {
		Digest string `json:"digest"`
		Size   int64  `json:"size"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	okColor.Printf("published %s/%s@%s", r.Namespace, r.Name, r.Version)
	dimColor.Printf(" %s (%d bytes)\n", out.Digest, out.Size)
	return nil
}

func (c *client) fetch(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: depot fetch <ns>/<name>@<ver>[:<variant>] [out-file]")
	}
	r, err := parseRef(args[0], true)
	if err != nil {
		return err
	}
	resp, err := c.do("GET", blobPath(r), nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if len(args) == 2 {
		// An existing directory target means unpack the artifact there.
		if st, err := os.Stat(args[1]); err == nil && st.IsDir() {
			if err := targz.Extract(resp.Body, args[1]); err != nil {
				return err
			}
			okColor.Fprintf(os.Stderr, "extracted to %s\n", args[1])
			return nil
		}
		out, err := os.Create(args[1])
		if err != nil {
			return err
		}
		defer out.Close()
		n, err := io.Copy(out, resp.Body)
		if err != nil {
			return err
		}
		okColor.Fprintf(os.Stderr, "fetched %d bytes to %s\n", n, args[1])
		return nil
	}
	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}

func (c *client) stat(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: depot stat <ns>/<name>@<ver>[:<variant>]")
	}
	r, err := parseRef(args[0], true)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/v1/%s/%s/%s/%s",
		url.PathEscape(r.Namespace), url.PathEscape(r.Name),
		url.PathEscape(r.Version), url.PathEscape(r.Variant))
	var out map[string]any
	if err := c.doJSON("GET", path, nil, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func (c *client) latest(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: depot latest <ns>/<name>")
	}
	r, err := parseRef(args[0], false)
	if err != nil {
		return err
	}
	var out struct {
		Latest struct {
			Version    string `json:"version"`
			Variant    string `json:"variant"`
			BlobDigest string `json:"blob_digest"`
		} `json:"latest"`
	}
	path := fmt.Sprintf("/v1/%s/%s/latest", url.PathEscape(r.Namespace), url.PathEscape(r.Name))
	if err := c.doJSON("GET", path, nil, &out); err != nil {
		return err
	}
	nameColor.Printf("%s/%s", r.Namespace, r.Name)
	fmt.Printf("@%s", out.Latest.Version)
	dimColor.Printf(" %s\n", out.Latest.BlobDigest)
	return nil
}

func (c *client) versions(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: depot versions <ns>/<name>")
	}
	r, err := parseRef(args[0], false)
	if err != nil {
		return err
	}
	var out struct {
		Versions []struct {
			Version string `json:"version"`
			Variant string `json:"variant"`
		} `json:"versions"`
	}
	path := fmt.Sprintf("/v1/%s/%s/versions", url.PathEscape(r.Namespace), url.PathEscape(r.Name))
	if err := c.doJSON("GET", path, nil, &out); err != nil {
		return err
	}
	for _, v := range out.Versions {
		fmt.Printf("%s", v.Version)
		if v.Variant != "" && v.Variant != "default" {
			dimColor.Printf(":%s", v.Variant)
		}
		fmt.Println()
	}
	return nil
}

func (c *client) setTag(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: depot tag <ns>/<name> <tag> <ver>[:<variant>]")
	}
	r, err := parseRef(args[0], false)
	if err != nil {
		return err
	}
	version, variant, _ := strings.Cut(args[2], ":")
	if variant == "" {
		variant = "default"
	}
	body, _ := json.Marshal(map[string]string{"version": version, "variant": variant})
	path := fmt.Sprintf("/v1/%s/%s/tags/%s",
		url.PathEscape(r.Namespace), url.PathEscape(r.Name), url.PathEscape(args[1]))
	if err := c.doJSON("PUT", path, strings.NewReader(string(body)), nil); err != nil {
		return err
	}
	okColor.Printf("%s -> %s\n", args[1], args[2])
	return nil
}

func (c *client) getTag(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: depot tags <ns>/<name> <tag>")
	}
	r, err := parseRef(args[0], false)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/v1/%s/%s/tags/%s",
		url.PathEscape(r.Namespace), url.PathEscape(r.Name), url.PathEscape(args[1]))
	var out map[string]any
	if err := c.doJSON("GET", path, nil, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func (c *client) delete(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: depot delete <ns>/<name>@<ver>[:<variant>]")
	}
	r, err := parseRef(args[0], true)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/v1/%s/%s/%s/%s",
		url.PathEscape(r.Namespace), url.PathEscape(r.Name),
		url.PathEscape(r.Version), url.PathEscape(r.Variant))
	if err := c.doJSON("DELETE", path, nil, nil); err != nil {
		return err
	}
	okColor.Printf("deleted %s\n", args[0])
	return nil
}

func (c *client) health() error {
	var out map[string]any
	if err := c.doJSON("GET", "/health", nil, &out); err != nil {
		return err
	}
	return printJSON(out)
}

// watch streams mutation events over the websocket endpoint until
// interrupted.
func (c *client) watch() error {
	u, err := url.Parse(c.server)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/events/stream"
	hdr := http.Header{}
	if c.token != "" {
		hdr.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", u, err)
	}
	defer conn.Close()
	for {
		var ev struct {
			Seq    uint64 `json:"seq"`
			Type   string `json:"type"`
			Route  string `json:"route"`
			Key    string `json:"key"`
			Digest string `json:"digest"`
			At     string `json:"at"`
		}
		if err := conn.ReadJSON(&ev); err != nil {
			return err
		}
		dimColor.Printf("%s ", ev.At)
		nameColor.Printf("%-12s ", ev.Type)
		fmt.Printf("%s", ev.Key)
		if ev.Digest != "" {
			dimColor.Printf(" %s", ev.Digest)
		}
		fmt.Println()
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
