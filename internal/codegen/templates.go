package codegen

import "text/template"

const header = "// Code generated by trellis. Manual edits are detected and left in place.\n"

var componentTmpl = template.Must(template.New("component").Parse(header + `import React from 'react';
{{range .Imports}}import { {{.Name}} } from '{{.From}}';
{{end}}
export function {{.Name}}() {
  return (
    <{{.Tag}}{{.Attrs}}>
{{range .Body}}      {{.}}
{{end}}    </{{.Tag}}>
  );
}

export default {{.Name}};
`))

var appTmpl = template.Must(template.New("app").Parse(header + `import React from 'react';
{{range .Imports}}import { {{.Name}} } from '{{.From}}';
{{end}}
export function {{.Name}}() {
  return (
    <>
{{range .Roots}}      <{{.}} />
{{end}}    </>
  );
}

export default {{.Name}};
`))

var bootstrapTmpl = template.Must(template.New("bootstrap").Parse(header + `import React from 'react';
import ReactDOM from 'react-dom/client';
import {{.AppName}} from '{{.AppImport}}';

ReactDOM.createRoot(document.getElementById('root'){{.NonNull}}).render(
  <React.StrictMode>
    <{{.AppName}} />
  </React.StrictMode>,
);
`))
