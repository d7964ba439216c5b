// Package sqltpl is a templated-SQL engine that stays very close to the SQL
// you already write. Templates are plain SQL extended with:
//
//   - named (:name, $name) and positional (?) placeholders
//   - conditional blocks {{ ... }} that render only when every placeholder
//     they reference is bound to a non-empty value
//   - `expr IN :list` / `expr NOT IN :list`, collapsed to a constant
//     predicate when the list is empty
//   - `PAGINATE :page`, rendered as the dialect's LIMIT/OFFSET syntax
//
// Templates are parsed once into an immutable AST (see Parse and Cache) and
// rendered many times (see Render) into dialect specific SQL plus ordered
// driver arguments. Fragments written by different call sites are composed
// with (*Root).MergeInto, which renames colliding placeholders, and the
// pooled Builder wraps the whole flow with struct scanning on top.
//
// Connection management, retries and transactions live in the driver
// subpackage.
package sqltpl
