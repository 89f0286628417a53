package mcpserver

// NoteConventions describes how chapter notes are laid out in the vault,
// for LLM consumers reading or referencing them.
const NoteConventions = `# Marginalia Note Conventions

Chapter notes live in the user's Markdown vault and stay editable by any
external tool. Marginalia only ever writes whole files.

## Layout

- Each book gets a directory: ` + "`" + `books/<Book Title>/` + "`" + `.
- Each chapter note is a file in that directory: ` + "`" + `<Chapter Title>.md` + "`" + `.
- Titles are sanitised for the filesystem: the characters ` + "`" + `<>:"/\|?*` + "`" + ` and
  control characters are removed, and trailing dots and spaces are trimmed.
  The original title is preserved inside the book index note.

## Book index note

Each book directory carries an index note named after the book
(` + "`" + `books/<Book Title>/<Book Title>.md` + "`" + `) with this shape:

` + "```" + `markdown
# Book Title

## Chapters

- [[Safe Chapter Name|Original chapter title]]
` + "```" + `

Link lines are appended once per chapter, the first time its note is
written, and never pruned automatically.

## Rules

1. Notes are plain Markdown. No frontmatter is required.
2. Wikilinks use double brackets with the sanitised name as the target and
   the original title as the alias: ` + "`" + `[[target|alias]]` + "`" + `.
3. Notes may be edited externally at any time. Marginalia reconciles by
   modification time and content, never by locking.
4. Encoding is UTF-8.
`
