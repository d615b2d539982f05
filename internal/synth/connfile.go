package synth

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"helm/internal/config"
	"helm/internal/registry"
)

// GenerateConnFile renders the INI-style instance/<name>.conf for a service.
// The second return value is false when the service has neither a relational
// database nor custom sections, in which case no file is written.
//
// The consumer parses this with RawConfigParser semantics: values containing
// % are literal, never interpolated. Passwords go into the connection string
// URL-encoded so characters like %, +, = and / round-trip through a standard
// URL parser.
func GenerateConnFile(cfg config.MasterConfig, entry registry.ServiceEntry) (string, bool) {
	app := cfg.Apps[entry.Name]

	var b strings.Builder

	if app.HasRelationalDB() {
		db := cfg.Databases.Relational
		name := dbName(entry.Name, app)
		user := dbUser(entry.Name, app)

		b.WriteString("[database]\n")
		fmt.Fprintf(&b, "connection_string = %s\n", ConnectionString(user, app.DBPassword, db.Host, db.Port, name))
		fmt.Fprintf(&b, "db_host = %s\n", db.Host)
		fmt.Fprintf(&b, "db_port = %d\n", db.Port)
		fmt.Fprintf(&b, "db_name = %s\n", name)
		fmt.Fprintf(&b, "db_user = %s\n", user)
		b.WriteString("\n")
	}

	for _, section := range sortedNames(app.Sections) {
		values := app.Sections[section]
		fmt.Fprintf(&b, "[%s]\n", section)
		for _, key := range sortedNames(values) {
			fmt.Fprintf(&b, "%s = %s\n", key, values[key])
		}
		b.WriteString("\n")
	}

	out := b.String()
	return out, out != ""
}

// ConnectionString builds a postgresql:// URL with the password URL-encoded.
// url.UserPassword escapes the userinfo component, so parsing the result
// with net/url yields the original password back.
func ConnectionString(user, password, host string, port int, dbname string) string {
	u := url.URL{
		Scheme: "postgresql",
		User:   url.UserPassword(user, password),
		Host:   host + ":" + strconv.Itoa(port),
		Path:   "/" + dbname,
	}
	return u.String()
}
