package cli

import "github.com/chzyer/readline"

// completer builds the tab-completion tree. Interface names are read from
// the registry at completion time.
func (c *CLI) completer() *readline.PrefixCompleter {
	names := func(string) []string {
		list := c.host.Registry().List()
		out := make([]string, len(list))
		for i, ifc := range list {
			out[i] = ifc.Name
		}
		return out
	}
	return readline.NewPrefixCompleter(
		readline.PcItem("show",
			readline.PcItem("interfaces", readline.PcItemDynamic(names)),
			readline.PcItem("statistics"),
			readline.PcItem("events",
				readline.PcItem("interface", readline.PcItemDynamic(names)),
				readline.PcItem("type"),
			),
		),
		readline.PcItem("clear", readline.PcItem("statistics")),
		readline.PcItem("xconnect", readline.PcItemDynamic(names, readline.PcItem("off"))),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)
}
