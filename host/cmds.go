package host

import "github.com/beevik/cmd"

var cmds *cmd.Tree

// A commandGroup is a subtree of commands, recorded for help listings.
type commandGroup struct {
	name     string
	brief    string
	commands []cmd.CommandDescriptor
}

var (
	rootCommands  []cmd.CommandDescriptor
	commandGroups []commandGroup
)

func init() {
	root := cmd.NewTree(cmd.TreeDescriptor{Name: "go65"})

	add := func(d cmd.CommandDescriptor) {
		root.AddCommand(d)
		rootCommands = append(rootCommands, d)
	}
	group := func(name, brief string, ds ...cmd.CommandDescriptor) {
		t := root.AddSubtree(cmd.TreeDescriptor{Name: name, Brief: brief})
		for _, d := range ds {
			t.AddCommand(d)
		}
		commandGroups = append(commandGroups, commandGroup{name, brief, ds})
	}

	add(cmd.CommandDescriptor{
		Name:        "help",
		Description: "Display help for a command.",
		Usage:       "help [<command>]",
		Data:        (*Host).cmdHelp,
	})
	add(cmd.CommandDescriptor{
		Name:  "assemble",
		Brief: "Assemble source files into a module",
		Description: "Run the assembler on the specified files, which are" +
			" concatenated into a single module. The module is added to the" +
			" list of modules to link. Set Verbose to see the assembler's" +
			" progress.",
		Usage: "assemble <filename> [<filename> ...]",
		Data:  (*Host).cmdAssemble,
	})
	add(cmd.CommandDescriptor{
		Name:  "base",
		Brief: "Load a base image",
		Description: "Load a binary file as the base image to patch. The" +
			" first RomOffset bytes of the file are a header that is not part" +
			" of the image. Relocatable chunks whose bytes already appear in" +
			" the base image are linked to the existing bytes.",
		Usage: "base <filename>",
		Data:  (*Host).cmdBase,
	})
	add(cmd.CommandDescriptor{
		Name:  "link",
		Brief: "Link the loaded modules",
		Description: "Link every loaded module against the base image," +
			" producing a patch. The patched image is available to the" +
			" disassemble and dump commands.",
		Usage: "link",
		Data:  (*Host).cmdLink,
	})
	add(cmd.CommandDescriptor{
		Name:  "exports",
		Brief: "List exported symbols",
		Description: "Display the value, image offset and bank of every" +
			" symbol exported by the linked modules.",
		Usage: "exports",
		Data:  (*Host).cmdExports,
	})
	add(cmd.CommandDescriptor{
		Name:  "evaluate",
		Brief: "Evaluate an expression",
		Description: "Evaluate an assembler expression. Exported symbols of" +
			" the last link may be used by name.",
		Usage: "evaluate <expression>",
		Data:  (*Host).cmdEval,
	})
	add(cmd.CommandDescriptor{
		Name:  "disassemble",
		Brief: "Disassemble the patched image",
		Description: "Disassemble machine code in the patched image starting" +
			" at the requested image offset or exported symbol. The number" +
			" of lines to disassemble may be specified as an option. If the" +
			" offset is $, the disassembly continues from where the last" +
			" disassembly left off.",
		Usage: "disassemble <offset> [<lines>]",
		Data:  (*Host).cmdDisassemble,
	})
	add(cmd.CommandDescriptor{
		Name:  "dump",
		Brief: "Dump the patched image",
		Description: "Dump the contents of the patched image starting from" +
			" the specified image offset. The number of bytes to dump may be" +
			" specified as an option.",
		Usage: "dump <offset> [<bytes>]",
		Data:  (*Host).cmdDump,
	})
	add(cmd.CommandDescriptor{
		Name:  "set",
		Brief: "Set a configuration variable",
		Description: "Set the value of a configuration variable. To see the" +
			" current values of all configuration variables, type set" +
			" without any arguments.",
		Usage: "set [<var> <value>]",
		Data:  (*Host).cmdSet,
	})
	add(cmd.CommandDescriptor{
		Name:        "quit",
		Brief:       "Quit the program",
		Description: "Quit the program.",
		Usage:       "quit",
		Data:        (*Host).cmdQuit,
	})

	// Module commands
	group("module", "Module commands",
		cmd.CommandDescriptor{
			Name:        "list",
			Brief:       "List loaded modules",
			Description: "List every module that will take part in the next link.",
			Usage:       "module list",
			Data:        (*Host).cmdModuleList,
		},
		cmd.CommandDescriptor{
			Name:  "load",
			Brief: "Load an assembled module",
			Description: "Load a module previously written as JSON by the" +
				" assembler and add it to the list of modules to link.",
			Usage: "module load <filename>",
			Data:  (*Host).cmdModuleLoad,
		},
		cmd.CommandDescriptor{
			Name:        "save",
			Brief:       "Save a module",
			Description: "Write a loaded module to disk as JSON.",
			Usage:       "module save <index> <filename>",
			Data:        (*Host).cmdModuleSave,
		},
		cmd.CommandDescriptor{
			Name:  "dump",
			Brief: "Display a module's contents",
			Description: "Pretty-print the chunks, symbols and segments of" +
				" a loaded module.",
			Usage: "module dump <index>",
			Data:  (*Host).cmdModuleDump,
		},
		cmd.CommandDescriptor{
			Name:        "clear",
			Brief:       "Remove all modules",
			Description: "Remove all loaded modules and forget the last link.",
			Usage:       "module clear",
			Data:        (*Host).cmdModuleClear,
		},
	)

	// Patch commands
	group("patch", "Patch commands",
		cmd.CommandDescriptor{
			Name:        "show",
			Brief:       "Display the patch",
			Description: "Display the hunks of the last link's patch as a hex listing.",
			Usage:       "patch show",
			Data:        (*Host).cmdPatchShow,
		},
		cmd.CommandDescriptor{
			Name:  "write",
			Brief: "Write the patched image",
			Description: "Write the patched image to disk, preceded by the" +
				" base file's header.",
			Usage: "patch write <filename>",
			Data:  (*Host).cmdPatchWrite,
		},
	)

	// Add command shortcuts.
	root.AddShortcut("a", "assemble")
	root.AddShortcut("d", "disassemble")
	root.AddShortcut("e", "evaluate")
	root.AddShortcut("l", "link")
	root.AddShortcut("m", "dump")
	root.AddShortcut("ml", "module list")
	root.AddShortcut("mo", "module load")
	root.AddShortcut("ps", "patch show")
	root.AddShortcut("pw", "patch write")
	root.AddShortcut("?", "help")

	cmds = root
}
