// Copyright Project Contour Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/sirupsen/logrus"
)

const progname = "eida-gateway"

// buildVersion is overridden at build time via -ldflags.
var buildVersion = "devel"

func main() {
	log := logrus.StandardLogger()

	app := kingpin.New(progname, "Federating FDSN web-service gateway.")
	app.HelpFlag.Short('h')

	serve, serveCtx := registerServe(app)
	version := app.Command("version", "Build information for the gateway.")

	args := os.Args[1:]
	switch kingpin.MustParse(app.Parse(args)) {
	case serve.FullCommand():
		// Parse args a second time so CLI flags apply on top of any
		// values sourced from -c's config file.
		kingpin.MustParse(app.Parse(args))

		if serveCtx.params.Debug {
			log.SetLevel(logrus.DebugLevel)
		}

		if err := serveCtx.params.Validate(); err != nil {
			log.WithError(err).Fatal("invalid configuration")
		}

		if err := doServe(log, serveCtx); err != nil {
			log.WithError(err).Fatal("gateway server failed")
		}
	case version.FullCommand():
		println(buildVersion)
	default:
		app.Usage(args)
		os.Exit(2)
	}
}
